package services

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/models"
)

// FirestoreService is the PinStore backed by a Firestore collection.
type FirestoreService struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreService(client *firestore.Client, collection string) *FirestoreService {
	return &FirestoreService{
		client:     client,
		collection: collection,
	}
}

// Subscribe opens a realtime listener on the whole collection.
func (fs *FirestoreService) Subscribe(ctx context.Context) SnapshotStream {
	return &firestoreStream{it: fs.client.Collection(fs.collection).Snapshots(ctx)}
}

// Writes the pin document under its own id, so replays overwrite rather
// than duplicate.
func (fs *FirestoreService) AddPin(ctx context.Context, pin *models.Pin) (string, error) {
	_, err := fs.client.Collection(fs.collection).Doc(pin.ID).Set(ctx, pin.Document())
	if err != nil {
		return "", fmt.Errorf("failed to write pin: %w", classifyFirestoreError(err))
	}
	return pin.ID, nil
}

// Deletes a pin document by ID.
func (fs *FirestoreService) DeletePin(ctx context.Context, id string) error {
	_, err := fs.client.Collection(fs.collection).Doc(id).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete pin: %w", classifyFirestoreError(err))
	}
	return nil
}

// Retrieves a pin by document ID.
func (fs *FirestoreService) GetPin(ctx context.Context, id string) (*models.Pin, error) {
	doc, err := fs.client.Collection(fs.collection).Doc(id).Get(ctx)
	if err != nil {
		return nil, classifyFirestoreError(err)
	}

	pin, err := DecodePin(doc.Ref.ID, doc.Data())
	if err != nil {
		return nil, err
	}
	return &pin, nil
}

type firestoreStream struct {
	it      *firestore.QuerySnapshotIterator
	started bool
}

func (s *firestoreStream) Next() (*models.Snapshot, error) {
	qs, err := s.it.Next()
	if err != nil {
		return nil, classifyFirestoreError(err)
	}

	// The listener's first batch reports every document as added.
	snap := &models.Snapshot{
		Changes: make([]models.Change, 0, len(qs.Changes)),
		Initial: !s.started,
	}
	s.started = true
	for _, ch := range qs.Changes {
		change := models.Change{ID: ch.Doc.Ref.ID}
		switch ch.Kind {
		case firestore.DocumentAdded:
			change.Kind = models.ChangeAdded
			change.Data = ch.Doc.Data()
		case firestore.DocumentModified:
			change.Kind = models.ChangeModified
			change.Data = ch.Doc.Data()
		case firestore.DocumentRemoved:
			change.Kind = models.ChangeRemoved
		default:
			continue
		}
		snap.Changes = append(snap.Changes, change)
	}
	return snap, nil
}

func (s *firestoreStream) Stop() {
	s.it.Stop()
}

// classifyFirestoreError maps gRPC status codes onto engine errors.
func classifyFirestoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %v", apperrors.ErrNotFound, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %v", apperrors.ErrServiceUnavailable, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %v", apperrors.ErrAuthExpired, err)
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	}
	return err
}
