// Package bigquery implements the warehouse contract on Google BigQuery.
//
// The client is constructed once from a service-account credential blob
// (base64-encoded JSON, as usually injected via the environment) and shared
// read-only by every flush. Dataset and table creation treat "already
// exists" as success so concurrent provisioning of the same destination
// cannot fail the loser.
package bigquery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"bqsink/internal/schema"
	"bqsink/internal/warehouse"
)

func init() {
	warehouse.Register("bigquery", func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return New(ctx, cfg)
	})
}

// Client is a BigQuery-backed warehouse.
type Client struct {
	bq      *bigquery.Client
	project string
}

// serviceAccount is the slice of the credential JSON we care about.
type serviceAccount struct {
	ProjectID string `json:"project_id"`
}

// DecodeServiceAccount turns the configured credential blob into raw
// service-account JSON plus the project id embedded in it. The blob is
// expected base64-encoded but plain JSON is accepted too, so local configs
// can skip the encoding step.
func DecodeServiceAccount(blob string) ([]byte, string, error) {
	trimmed := strings.TrimSpace(blob)
	if trimmed == "" {
		return nil, "", errors.New("bigquery: empty service account blob")
	}
	raw := []byte(trimmed)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		raw = decoded
	}
	var sa serviceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, "", fmt.Errorf("bigquery: could not decode service account blob: %w", err)
	}
	if sa.ProjectID == "" {
		return nil, "", errors.New("bigquery: service account JSON has no project_id")
	}
	return raw, sa.ProjectID, nil
}

// New builds a Client from cfg. The credential is decoded here, once;
// decoding failures are startup-fatal for the pipeline.
func New(ctx context.Context, cfg warehouse.Config) (*Client, error) {
	raw, project, err := DecodeServiceAccount(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	if cfg.Project != "" {
		project = cfg.Project
	}
	bq, err := bigquery.NewClient(ctx, project, option.WithCredentialsJSON(raw))
	if err != nil {
		return nil, fmt.Errorf("bigquery: client: %w", err)
	}
	return &Client{bq: bq, project: project}, nil
}

// EnsureDataset creates the dataset when absent.
func (c *Client) EnsureDataset(ctx context.Context, dataset string) error {
	ds := c.bq.Dataset(dataset)
	_, err := ds.Metadata(ctx)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return classify(fmt.Errorf("bigquery: dataset %s: %w", dataset, err))
	}
	if err := ds.Create(ctx, &bigquery.DatasetMetadata{}); err != nil && !isConflict(err) {
		return classify(fmt.Errorf("bigquery: create dataset %s: %w", dataset, err))
	}
	return nil
}

// TableExists reports whether the destination table exists.
func (c *Client) TableExists(ctx context.Context, dest warehouse.Destination) (bool, error) {
	_, err := c.bq.Dataset(dest.Dataset).Table(dest.Table).Metadata(ctx)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, classify(fmt.Errorf("bigquery: table %s: %w", dest, err))
}

// CreateTable creates dest with the given schema. A concurrent creator
// winning the race is not an error.
func (c *Client) CreateTable(ctx context.Context, dest warehouse.Destination, s schema.Schema) error {
	md := &bigquery.TableMetadata{Schema: toBigQuerySchema(s)}
	err := c.bq.Dataset(dest.Dataset).Table(dest.Table).Create(ctx, md)
	if err != nil && !isConflict(err) {
		return classify(fmt.Errorf("bigquery: create table %s: %w", dest, err))
	}
	return nil
}

// Close releases the underlying client.
func (c *Client) Close() error { return c.bq.Close() }

// toBigQuerySchema maps the warehouse-agnostic schema onto BigQuery field
// schemas, recursing into nested records.
func toBigQuerySchema(s schema.Schema) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(s))
	for _, f := range s {
		fs := &bigquery.FieldSchema{
			Name:     f.Name,
			Type:     fieldType(f.Kind),
			Repeated: f.Repeated,
			// Repeated fields cannot also be REQUIRED.
			Required: f.Required && !f.Repeated,
		}
		if f.Kind == schema.KindRecord {
			fs.Schema = toBigQuerySchema(f.Fields)
		}
		out = append(out, fs)
	}
	return out
}

func fieldType(k schema.Kind) bigquery.FieldType {
	switch k {
	case schema.KindBool:
		return bigquery.BooleanFieldType
	case schema.KindInt:
		return bigquery.IntegerFieldType
	case schema.KindFloat:
		return bigquery.FloatFieldType
	case schema.KindDate:
		return bigquery.DateFieldType
	case schema.KindTimestamp:
		return bigquery.TimestampFieldType
	case schema.KindRecord:
		return bigquery.RecordFieldType
	default:
		return bigquery.StringFieldType
	}
}

func isNotFound(err error) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == 404
}

func isConflict(err error) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == 409
}

// classify wraps retry-worthy failures in warehouse.TransientError: HTTP
// 5xx, 429, and plain network errors. Context cancellation and the 4xx
// family stay permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		if ge.Code >= 500 || ge.Code == 429 {
			return &warehouse.TransientError{Err: err}
		}
		return err
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return &warehouse.TransientError{Err: err}
	}
	return err
}
