package conditions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ethpandaops/caf/pkg/config"
	"github.com/ethpandaops/caf/pkg/database"
)

// objectRow is the database representation of an Object.
type objectRow struct {
	ID      uint   `gorm:"primaryKey"`
	Folder  string `gorm:"not null;uniqueIndex:idx_condition_objects_key,priority:1"`
	Channel int64  `gorm:"not null;uniqueIndex:idx_condition_objects_key,priority:2"`
	Since   int64  `gorm:"column:since_key;not null;uniqueIndex:idx_condition_objects_key,priority:3"`
	Until   int64  `gorm:"column:until_key;not null"`
	Payload string `gorm:"type:text"`
}

func (objectRow) TableName() string {
	return "condition_objects"
}

// Compile-time interface check.
var _ Store = (*SQLStore)(nil)

// SQLStore is a Store backed by a relational database.
type SQLStore struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewSQLStore creates a SQLStore. Call Start before browsing.
func NewSQLStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) *SQLStore {
	return &SQLStore{
		log: log.WithField("component", "conditions"),
		cfg: cfg,
	}
}

// Start connects to the database and runs migrations. Connection errors
// are returned, never deferred to the first query.
func (s *SQLStore) Start(ctx context.Context) error {
	db, err := database.Open(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("opening conditions database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&objectRow{}); err != nil {
		return fmt.Errorf("running conditions migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Conditions database connected")

	return nil
}

// Stop closes the database connection.
func (s *SQLStore) Stop() error {
	return database.Close(s.db)
}

// Browse returns the overlapping objects of a folder.
func (s *SQLStore) Browse(
	ctx context.Context,
	folder string,
	since, until int64,
	channels ChannelSelection,
) ([]Object, error) {
	if s.db == nil {
		return nil, errors.New("conditions store not started")
	}

	q := s.db.WithContext(ctx).
		Where("folder = ? AND since_key < ? AND until_key > ?", folder, until, since)

	if channels.restricted {
		q = q.Where("channel BETWEEN ? AND ?", channels.first, channels.last)
	}

	var rows []objectRow
	if err := q.Order("since_key ASC, channel ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("browsing folder %s: %w", folder, err)
	}

	out := make([]Object, 0, len(rows))

	for i := range rows {
		payload, err := decodePayload(rows[i].Payload)
		if err != nil {
			return nil, fmt.Errorf("decoding payload of %s@%d: %w", folder, rows[i].Since, err)
		}

		out = append(out, Object{
			Folder:  rows[i].Folder,
			Channel: rows[i].Channel,
			Since:   rows[i].Since,
			Until:   rows[i].Until,
			Payload: payload,
		})
	}

	return out, nil
}

// Put inserts objects, replacing existing ones with the same folder,
// channel and since.
func (s *SQLStore) Put(ctx context.Context, objs ...Object) error {
	if len(objs) == 0 {
		return nil
	}

	if s.db == nil {
		return errors.New("conditions store not started")
	}

	rows := make([]objectRow, 0, len(objs))

	for _, o := range objs {
		payload, err := json.Marshal(o.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload of %s@%d: %w", o.Folder, o.Since, err)
		}

		rows = append(rows, objectRow{
			Folder:  o.Folder,
			Channel: o.Channel,
			Since:   o.Since,
			Until:   o.Until,
			Payload: string(payload),
		})
	}

	const batchSize = 100

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "folder"}, {Name: "channel"}, {Name: "since_key"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"until_key", "payload"}),
		}).CreateInBatches(rows, batchSize).Error
		if err != nil {
			return fmt.Errorf("storing conditions objects: %w", err)
		}

		return nil
	})
}

func decodePayload(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}

	if payload == nil {
		payload = map[string]any{}
	}

	return payload, nil
}
