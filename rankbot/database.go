package rankbot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	dbTypeSQLite                     = "sqlite"
	dbTypePostgres                   = "postgres"
	postgresNotifyChannelRankUpdated = "rankbot_ranks_updated"
	postgresNotifyChannelStop        = "rankbot_stop"
	recordSeparator                  = string(rune(30))
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// RankStore is the persistent mapping of (guild, member) to rank label.
type RankStore interface {
	// GetRank returns the member's stored rank, or nil if there isn't one
	GetRank(ctx context.Context, guildID, memberID string) (*RankEntry, error)

	// ListRanks returns every stored rank for the guild
	ListRanks(ctx context.Context, guildID string) ([]RankEntry, error)

	// CountRanks returns the number of stored ranks for the guild
	CountRanks(ctx context.Context, guildID string) (int64, error)

	// PutRank creates or replaces the member's rank, returning the
	// previous entry (nil if there wasn't one)
	PutRank(ctx context.Context, entry *RankEntry) (*RankEntry, error)

	// DeleteRank removes the member's rank, returning the deleted
	// entry (nil if there wasn't one)
	DeleteRank(ctx context.Context, guildID, memberID string) (*RankEntry, error)

	// UpdateRankDisplayName refreshes the display name snapshot used
	// when rendering the rank list
	UpdateRankDisplayName(ctx context.Context, guildID, memberID, displayName string) error

	GetRankListMessage(ctx context.Context, guildID string) (*RankListMessage, error)
	SaveRankListMessage(ctx context.Context, msg *RankListMessage) error
}

// DBI defines the interface for database operations. [database]
// implements this interface for 'real' DB operations.
type DBI interface {
	RankStore

	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// database wraps a gorm connection. When concurrent writes are disabled
// (sqlite), writes are serialized with a mutex.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps db as a DBI. With enableConcurrentWrites false,
// every write holds a single lock.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func withDBTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) GetRank(ctx context.Context, guildID, memberID string) (*RankEntry, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	return findRank(d.db.WithContext(ctx), guildID, memberID)
}

func findRank(tx *gorm.DB, guildID, memberID string) (*RankEntry, error) {
	var entry RankEntry
	err := tx.Where("guild_id = ? AND member_id = ?", guildID, memberID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d *database) ListRanks(ctx context.Context, guildID string) ([]RankEntry, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var entries []RankEntry
	err := d.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("member_id asc").
		Find(&entries).Error
	return entries, err
}

func (d *database) CountRanks(ctx context.Context, guildID string) (int64, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var count int64
	err := d.db.WithContext(ctx).
		Model(&RankEntry{}).
		Where("guild_id = ?", guildID).
		Count(&count).Error
	return count, err
}

func (d *database) PutRank(ctx context.Context, entry *RankEntry) (*RankEntry, error) {
	var previous *RankEntry
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			existing, err := findRank(tx, entry.GuildID, entry.MemberID)
			if err != nil {
				return err
			}
			previous = existing
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "guild_id"}, {Name: "member_id"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{
							columnRankLabel,
							columnRankDisplayName,
							columnRankSetBy,
							columnRankUpdatedAt,
						},
					),
				},
			).Create(entry).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return previous, nil
}

func (d *database) DeleteRank(ctx context.Context, guildID, memberID string) (
	*RankEntry,
	error,
) {
	var previous *RankEntry
	err := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			existing, err := findRank(tx, guildID, memberID)
			if err != nil || existing == nil {
				return err
			}
			previous = existing
			return tx.Delete(&RankEntry{}, existing.ID).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return previous, nil
}

func (d *database) UpdateRankDisplayName(
	ctx context.Context,
	guildID, memberID, displayName string,
) error {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).
		Model(&RankEntry{}).
		Where("guild_id = ? AND member_id = ?", guildID, memberID).
		Update(columnRankDisplayName, displayName).Error
}

func (d *database) GetRankListMessage(ctx context.Context, guildID string) (
	*RankListMessage,
	error,
) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var msg RankListMessage
	err := d.db.WithContext(ctx).Where("guild_id = ?", guildID).Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (d *database) SaveRankListMessage(ctx context.Context, msg *RankListMessage) error {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{
					columnRankListChannelID,
					columnRankListMessageID,
					columnRankUpdatedAt,
				},
			),
		},
	).Create(msg).Error
}

// CreateDB opens the database and migrates the schema.
//
// databaseType must be 'sqlite' or 'postgres'. database is the connection
// string, or the SQLite file path.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if handler == nil {
		handler = newLogHandler(defaultLogWriter, slog.LevelWarn, false)
	}
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(
				&RankEntry{},
				&RankListMessage{},
				&RankCommand{},
				&InteractionLog{},
			)
		},
	)
	if err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		db, err := gorm.Open(sqlite.Open(database), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// DBNotifier notifies bot instances sharing a database of rank changes
// made elsewhere, and of stop requests.
type DBNotifier interface {
	RanksUpdatedChannelName() string

	// RanksUpdated asks bot instances to re-render the guild's rank list
	RanksUpdated(ctx context.Context, guildID string) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// use this ID to filter out their own notifications.
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(b *Bot) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := b.logger.With(loggerNameKey, "db_notifier")
	switch b.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, b: b, sqliteNotifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{logger: log, b: b, pgNotifyID: notifyID}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier delivers notifications to the local instance only
type sqliteNotifier struct {
	logger         *slog.Logger
	b              *Bot
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (sqliteNotifier) RanksUpdatedChannelName() string {
	return ""
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.b.signalStop <- struct{}{}:
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) RanksUpdated(ctx context.Context, guildID string) bool {
	s.logger.Info("got ranks updated notification", "guild_id", guildID)
	return s.b.triggerRankListRefresh(ctx, guildID)
}

type postgresNotifier struct {
	b          *Bot
	logger     *slog.Logger
	pgNotifyID string
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (postgresNotifier) RanksUpdatedChannelName() string {
	return postgresNotifyChannelRankUpdated
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) notify(ctx context.Context, channel, payload string) error {
	return p.b.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		payload,
	).Error
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	if err := p.notify(ctx, p.StopChannelName(), p.ID()); err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY to stop bot", tint.Err(err))
		return false
	}
	p.logger.Info("sent stop signal", "pg_notify_id", p.ID())
	return true
}

// RanksUpdated notifies other instances, then refreshes locally, since
// the listener ignores notifications from itself.
func (p *postgresNotifier) RanksUpdated(ctx context.Context, guildID string) bool {
	msg := newRanksUpdatedNotificationMessage(p.ID(), guildID)
	sent := true
	if err := p.notify(ctx, p.RanksUpdatedChannelName(), msg); err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY for rank update",
			tint.Err(err),
			"guild_id", guildID,
		)
		sent = false
	}
	return p.b.triggerRankListRefresh(ctx, guildID) && sent
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.b.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		p.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second)
			continue
		}

		switch channel {
		case p.RanksUpdatedChannelName():
			notifierID, guildID := parseRanksUpdatedNotification(notification.Payload)
			if notifierID == p.ID() {
				logger.Debug("received rank update notification from self, ignoring")
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
			if !p.b.triggerRankListRefresh(sendCtx, guildID) {
				logger.Warn("timed out sending rank list refresh", "guild_id", guildID)
			}
			cancel()
		case p.StopChannelName():
			if notification.Payload == p.ID() {
				logger.Info("received stop notification from self, ignoring")
				continue
			}
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.b.signalStop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}

func parseRanksUpdatedNotification(s string) (notifierID, guildID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newRanksUpdatedNotificationMessage(notifierID string, guildID string) string {
	return strings.Join([]string{notifierID, guildID}, recordSeparator)
}
