// Package mongostore is a broker that keeps destinations and messages in
// MongoDB. Several adapter processes may share one database.
package mongostore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ericogr/amqp-plug/pkg/amqp"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DestinationCollectionName = "destinations"
	MessageCollectionName     = "messages"
)

var logger zerolog.Logger = zerolog.Nop()

// SetLogger sets the package logger.
func SetLogger(l zerolog.Logger) { logger = l }

// Options configures the store.
type Options struct {
	URI      string
	Database string
	AppName  string
	UseTLS   bool
	// OperationTimeout bounds every database call. Default 5s.
	OperationTimeout time.Duration
	MinPoolSize      uint64
	MaxPoolSize      uint64
}

type destinationDoc struct {
	Name      string    `bson:"_id"`
	Seq       int64     `bson:"seq"`
	Temporary bool      `bson:"temporary"`
	Created   time.Time `bson:"created"`
}

type messageDoc struct {
	Destination string `bson:"destination"`
	Seq         int64  `bson:"seq"`
	Format      int64  `bson:"format"`
	Payload     []byte `bson:"payload"`
}

// Broker is an amqp.Broker backed by MongoDB.
type Broker struct {
	client   *mongo.Client
	dests    *mongo.Collection
	messages *mongo.Collection
	timeout  time.Duration
}

// Connect dials MongoDB, verifies the connection and ensures the indexes.
func Connect(ctx context.Context, opts Options) (*Broker, error) {
	if opts.URI == "" || opts.Database == "" {
		return nil, errors.New("mongostore: URI and Database are required")
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	clientOptions := options.Client().ApplyURI(opts.URI)
	if opts.AppName != "" {
		clientOptions.SetAppName(opts.AppName)
	}
	if opts.MinPoolSize > 0 {
		clientOptions.SetMinPoolSize(opts.MinPoolSize)
	}
	if opts.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(opts.MaxPoolSize)
	}
	if opts.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.Debug().Str("address", evt.Address).Msg("[mongostore] connection created")
			case event.ConnectionClosed:
				logger.Debug().Str("address", evt.Address).Str("reason", evt.Reason).Msg("[mongostore] connection closed")
			}
		},
	})

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error pinging database: %w", err)
	}
	db := client.Database(opts.Database)
	b := &Broker{
		client:   client,
		dests:    db.Collection(DestinationCollectionName),
		messages: db.Collection(MessageCollectionName),
		timeout:  opts.OperationTimeout,
	}
	_, err = b.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "destination", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("messages_destination_seq_unique"),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error creating database indexes: %w", err)
	}
	logger.Info().Str("database", opts.Database).Msg("[mongostore] connected")
	return b, nil
}

// Close disconnects from MongoDB.
func (b *Broker) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

func (b *Broker) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// Declare creates a destination if it does not exist yet.
func (b *Broker) Declare(ctx context.Context, name string) error {
	return b.declare(ctx, name, false)
}

func (b *Broker) declare(ctx context.Context, name string, temporary bool) error {
	if name == "" {
		return errors.New("destination name is empty")
	}
	ctx, cancel := b.op(ctx)
	defer cancel()
	_, err := b.dests.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: name}},
		bson.D{{Key: "$setOnInsert", Value: destinationDoc{Name: name, Temporary: temporary, Created: time.Now()}}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

// Delete removes a destination and its messages.
func (b *Broker) Delete(ctx context.Context, name string) error {
	ctx, cancel := b.op(ctx)
	defer cancel()
	if _, err := b.messages.DeleteMany(ctx, bson.D{{Key: "destination", Value: name}}); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	if _, err := b.dests.DeleteOne(ctx, bson.D{{Key: "_id", Value: name}}); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

func (b *Broker) NewSession(ctx context.Context) (amqp.BrokerSession, error) {
	return &session{b: b}, nil
}

type session struct {
	b    *Broker
	mu   sync.Mutex
	temp []string
}

func (s *session) CreateTemporaryDestination(ctx context.Context) (string, error) {
	name := "tmp." + primitive.NewObjectID().Hex()
	if err := s.b.declare(ctx, name, true); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.temp = append(s.temp, name)
	s.mu.Unlock()
	return name, nil
}

func (s *session) DestinationExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := s.b.op(ctx)
	defer cancel()
	err := s.b.dests.FindOne(ctx, bson.D{{Key: "_id", Value: name}}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("database operation failed: %w", err)
	}
	return true, nil
}

// AdmitMessage reserves a sequence number on the destination document and
// stores the message under it.
func (s *session) AdmitMessage(ctx context.Context, address string, format uint32, payload []byte) error {
	ctx, cancel := s.b.op(ctx)
	defer cancel()
	var dest destinationDoc
	err := s.b.dests.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: address}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: 1}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&dest)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", amqp.ErrAddressDoesNotExist, address)
	}
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	doc := messageDoc{
		Destination: address,
		Seq:         dest.Seq,
		Format:      int64(format),
		Payload:     append([]byte(nil), payload...),
	}
	if _, err := s.b.messages.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

// Fetch implements amqp.MessageSource.
func (s *session) Fetch(ctx context.Context, address string) (amqp.Message, bool, error) {
	ctx, cancel := s.b.op(ctx)
	defer cancel()
	var doc messageDoc
	err := s.b.messages.FindOneAndDelete(ctx,
		bson.D{{Key: "destination", Value: address}},
		options.FindOneAndDelete().SetSort(bson.D{{Key: "seq", Value: 1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return amqp.Message{}, false, nil
	}
	if err != nil {
		return amqp.Message{}, false, fmt.Errorf("database operation failed: %w", err)
	}
	return amqp.Message{Format: uint32(doc.Format), Payload: doc.Payload}, true, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	temp := s.temp
	s.temp = nil
	s.mu.Unlock()
	var errs []error
	for _, name := range temp {
		if err := s.b.Delete(context.Background(), name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
