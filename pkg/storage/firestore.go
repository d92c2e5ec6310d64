package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/types"
)

const (
	orderHistoryCollection = "order_history"
	batchesCollection      = "batches"
)

// FirestoreProvider implements Database using Google Cloud Firestore. Records
// are stored as JSON blobs next to an indexed timestamp.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	prefix    string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	prefix := lflag.String("firestore-collection-prefix", "", "Prefix added to every collection name")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.prefix = *prefix

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// the project id can be inferred from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection(f.prefix + name)
}

// orderDocID sorts by time first so range queries can use the document id.
func orderDocID(r types.OrderRecord) string {
	return r.Timestamp.UTC().Format(time.RFC3339Nano) + "_" + r.Meter
}

// InsertOrder adds an order attempt to the "order_history" collection.
func (f *FirestoreProvider) InsertOrder(ctx context.Context, record types.OrderRecord) error {
	if record.Timestamp.IsZero() {
		return fmt.Errorf("order record missing timestamp")
	}
	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal order record: %w", err)
	}

	_, err = f.collection(orderHistoryCollection).Doc(orderDocID(record)).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": record.Timestamp,
		"meter":     record.Meter,
		"batchID":   record.BatchID,
	})
	if err != nil {
		return fmt.Errorf("failed to insert order record: %w", err)
	}
	return nil
}

// GetOrderHistory retrieves order attempts within [start, end).
func (f *FirestoreProvider) GetOrderHistory(ctx context.Context, start, end time.Time) ([]types.OrderRecord, error) {
	coll := f.collection(orderHistoryCollection)
	iter := coll.
		Where("timestamp", ">=", start).
		Where("timestamp", "<", end).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var records []types.OrderRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating order history: %w", err)
		}

		var r types.OrderRecord
		if err := decodeJSONField(ctx, doc, &r); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// InsertBatch stores a finished massive order in the "batches" collection.
func (f *FirestoreProvider) InsertBatch(ctx context.Context, run types.BatchRun) error {
	if run.ID == "" {
		return fmt.Errorf("batch missing id")
	}
	jsonBytes, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	ok, failed := run.Totals()
	_, err = f.collection(batchesCollection).Doc(run.ID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": run.StartedAt,
		"ok":        ok,
		"failed":    failed,
	})
	if err != nil {
		return fmt.Errorf("failed to insert batch %s: %w", run.ID, err)
	}
	return nil
}

// GetBatch retrieves a stored massive order.
func (f *FirestoreProvider) GetBatch(ctx context.Context, id string) (types.BatchRun, error) {
	if id == "" {
		return types.BatchRun{}, fmt.Errorf("%w: empty id", ErrBatchNotFound)
	}
	doc, err := f.collection(batchesCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.BatchRun{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return types.BatchRun{}, fmt.Errorf("failed to get batch %s: %w", id, err)
	}

	var run types.BatchRun
	if err := decodeJSONField(ctx, doc, &run); err != nil {
		return types.BatchRun{}, err
	}
	return run, nil
}

func decodeJSONField(ctx context.Context, doc *firestore.DocumentSnapshot, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("document %s 'json' field is not string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}
