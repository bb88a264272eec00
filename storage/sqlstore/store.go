// Package sqlstore implements the tracking.Store persistence collaborator
// on a relational shop-floor schema over database/sql.
//
// Table names come from configuration because the roster and bundle tables
// are views maintained by the factory ERP, named per site. Queries are
// prepared as text once at construction; identifiers cannot be bound as
// placeholders.
package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"

	"github.com/stitchworks/floorlink/config"
	"github.com/stitchworks/floorlink/errors"
	"github.com/stitchworks/floorlink/event"
	"github.com/stitchworks/floorlink/pkg/cache"
	"github.com/stitchworks/floorlink/pkg/retry"
	"github.com/stitchworks/floorlink/tracking"
)

// Column width limits on the audit table. Oversized fields are truncated
// rather than rejected so an audit write never fails on length.
const (
	maxTypeLen    = 100
	maxMessageLen = 4000
	maxDetailLen  = 4000
	maxTerminal   = 20
	maxCardLen    = 50
	maxTopicLen   = 100
	maxPayloadLen = 4000
	maxStackLen   = 4000
)

// Deps holds the store's collaborators.
type Deps struct {
	Logger *slog.Logger
}

// Store is a MySQL-backed tracking.Store. All methods are safe for
// concurrent use; the underlying sql.DB does the pooling.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Roster views are ERP-maintained and change between shifts, not
	// between scans. Only membership hits are cached so a freshly issued
	// card is recognized immediately; live session and bundle state
	// queries never go through these.
	employeeCards *cache.TTL[bool]
	bundleCards   *cache.TTL[bool]
	bundleIDs     *cache.TTL[string]

	qEmployeeCard    string
	qBundleCard      string
	qLoggedIn        string
	qActiveLogin     string
	qCreateLogin     string
	qResolveBundle   string
	qActiveElsewhere string
	qOtherActive     string
	qBundleState     string
	qOpenBundle      string
	qCloseBundle     string
	qWorkstation     string
	qAppendError     string
}

var _ tracking.Store = (*Store)(nil)

// Open creates a Store from database configuration. The connection is
// established lazily; call Connect before serving traffic.
func Open(cfg config.DatabaseConfig, deps Deps) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.WrapFatal(
			fmt.Errorf("dsn is required"), "sqlstore", "Open", "validate configuration")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlstore", "Open", "open database handle")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "sqlstore"),
	}
	if ttl := cfg.RosterCacheTTL.Std(); ttl > 0 {
		s.employeeCards = cache.NewTTL[bool](ttl, 0)
		s.bundleCards = cache.NewTTL[bool](ttl, 0)
		s.bundleIDs = cache.NewTTL[string](ttl, 0)
	}
	s.buildQueries(cfg.Tables)
	return s, nil
}

func (s *Store) buildQueries(t config.TableConfig) {
	s.qEmployeeCard = fmt.Sprintf(
		"SELECT 1 FROM %s WHERE EMP_CARD_NO = ? LIMIT 1", t.Employees)
	s.qBundleCard = fmt.Sprintf(
		"SELECT 1 FROM %s WHERE BUNDLE_RFID = ? LIMIT 1", t.BundleView)
	s.qLoggedIn = fmt.Sprintf(
		"SELECT 1 FROM %s WHERE EMP_CARD_NO = ? AND LOGOUT_TIME IS NULL LIMIT 1",
		t.OperatorScans)
	s.qActiveLogin = fmt.Sprintf(
		"SELECT 1 FROM %s WHERE MAC_ADDRESS = ? AND LOGOUT_TIME IS NULL LIMIT 1",
		t.OperatorScans)
	s.qCreateLogin = fmt.Sprintf(
		"INSERT INTO %s (EMP_CARD_NO, MAC_ADDRESS, LOGIN_TIME) VALUES (?, ?, NOW())",
		t.OperatorScans)
	s.qResolveBundle = fmt.Sprintf(
		"SELECT BUNDLE_ID FROM %s WHERE BUNDLE_RFID = ? LIMIT 1", t.BundleView)
	s.qActiveElsewhere = fmt.Sprintf(
		"SELECT MAC_ADDRESS FROM %s WHERE BUNDLE_RFID = ? AND MAC_ADDRESS <> ? AND END_TIME IS NULL LIMIT 1",
		t.BundleScans)
	s.qOtherActive = fmt.Sprintf(
		"SELECT 1 FROM %s WHERE MAC_ADDRESS = ? AND BUNDLE_RFID <> ? AND END_TIME IS NULL LIMIT 1",
		t.BundleScans)
	s.qBundleState = fmt.Sprintf(
		"SELECT END_TIME FROM %s WHERE BUNDLE_ID = ? AND MAC_ADDRESS = ? ORDER BY START_TIME DESC LIMIT 1",
		t.BundleScans)
	s.qOpenBundle = fmt.Sprintf(
		"INSERT INTO %s (BUNDLE_ID, BUNDLE_RFID, MAC_ADDRESS, START_TIME) VALUES (?, ?, ?, NOW())",
		t.BundleScans)
	s.qCloseBundle = fmt.Sprintf(
		"UPDATE %s SET END_TIME = NOW() WHERE BUNDLE_ID = ? AND MAC_ADDRESS = ? AND END_TIME IS NULL",
		t.BundleScans)
	s.qWorkstation = fmt.Sprintf(
		"SELECT STATUS FROM %s WHERE MAC_ADDRESS = ? ORDER BY UPDATED_AT DESC LIMIT 1",
		t.WorkstationStatus)
	s.qAppendError = fmt.Sprintf(
		"INSERT INTO %s (ID, ERROR_TYPE, ERROR_MESSAGE, ERROR_DETAILS, MAC_ADDRESS, RFID, TOPIC, MESSAGE_CONTENT, STACK_TRACE, TIMESTAMP) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ErrorLog)
}

// Connect verifies database reachability with startup retry. A database
// that never answers is a fatal boot error, not a per-message one.
func (s *Store) Connect(ctx context.Context) error {
	err := retry.Do(ctx, retry.Startup(), func() error {
		return s.db.PingContext(ctx)
	})
	if err != nil {
		return errors.WrapFatal(err, "sqlstore", "Connect", "ping database")
	}
	s.logger.Info("database connection established")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "sqlstore", "Close", "close database")
	}
	return nil
}

// exists runs a single-parameter-set existence query.
func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindEmployeeCard reports whether the card is on the employee roster.
func (s *Store) FindEmployeeCard(ctx context.Context, cardID string) (bool, error) {
	if s.employeeCards != nil {
		if _, hit := s.employeeCards.Get(cardID); hit {
			return true, nil
		}
	}
	ok, err := s.exists(ctx, s.qEmployeeCard, cardID)
	if err != nil {
		return false, errors.WrapPersistence(err, "sqlstore", "FindEmployeeCard", "query employee roster")
	}
	if ok && s.employeeCards != nil {
		s.employeeCards.Set(cardID, true)
	}
	return ok, nil
}

// FindBundleCard reports whether the card is on the bundle roster.
func (s *Store) FindBundleCard(ctx context.Context, cardID string) (bool, error) {
	if s.bundleCards != nil {
		if _, hit := s.bundleCards.Get(cardID); hit {
			return true, nil
		}
	}
	ok, err := s.exists(ctx, s.qBundleCard, cardID)
	if err != nil {
		return false, errors.WrapPersistence(err, "sqlstore", "FindBundleCard", "query bundle roster")
	}
	if ok && s.bundleCards != nil {
		s.bundleCards.Set(cardID, true)
	}
	return ok, nil
}

// IsLoggedIn reports whether the card has an open login session anywhere.
func (s *Store) IsLoggedIn(ctx context.Context, cardID string) (bool, error) {
	ok, err := s.exists(ctx, s.qLoggedIn, cardID)
	if err != nil {
		return false, errors.WrapPersistence(err, "sqlstore", "IsLoggedIn", "query login sessions")
	}
	return ok, nil
}

// HasActiveLogin reports whether any operator is logged in at the terminal.
func (s *Store) HasActiveLogin(ctx context.Context, terminalID string) (bool, error) {
	ok, err := s.exists(ctx, s.qActiveLogin, terminalID)
	if err != nil {
		return false, errors.WrapPersistence(err, "sqlstore", "HasActiveLogin", "query login sessions")
	}
	return ok, nil
}

// CreateLogin inserts a new open login session.
func (s *Store) CreateLogin(ctx context.Context, cardID, terminalID string) error {
	if _, err := s.db.ExecContext(ctx, s.qCreateLogin, cardID, terminalID); err != nil {
		return errors.WrapPersistence(err, "sqlstore", "CreateLogin", "insert login session")
	}
	return nil
}

// ResolveBundleID maps a bundle card to its bundle id via the bundle view.
func (s *Store) ResolveBundleID(ctx context.Context, cardID string) (string, bool, error) {
	if s.bundleIDs != nil {
		if id, hit := s.bundleIDs.Get(cardID); hit {
			return id, true, nil
		}
	}
	var bundleID string
	err := s.db.QueryRowContext(ctx, s.qResolveBundle, cardID).Scan(&bundleID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WrapPersistence(err, "sqlstore", "ResolveBundleID", "query bundle view")
	}
	if s.bundleIDs != nil {
		s.bundleIDs.Set(cardID, bundleID)
	}
	return bundleID, true, nil
}

// ActiveBundleElsewhere returns the id of a different terminal holding the
// card's bundle open, if one exists. The lookup is against the scan records
// by card rfid, independent of the ERP bundle view.
func (s *Store) ActiveBundleElsewhere(ctx context.Context, cardID, terminalID string) (string, bool, error) {
	var other string
	err := s.db.QueryRowContext(ctx, s.qActiveElsewhere, cardID, terminalID).Scan(&other)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WrapPersistence(err, "sqlstore", "ActiveBundleElsewhere", "query bundle scans")
	}
	return other, true, nil
}

// OtherBundleActiveAt reports whether the terminal has a bundle open that
// was started by a different card.
func (s *Store) OtherBundleActiveAt(ctx context.Context, terminalID, cardID string) (bool, error) {
	ok, err := s.exists(ctx, s.qOtherActive, terminalID, cardID)
	if err != nil {
		return false, errors.WrapPersistence(err, "sqlstore", "OtherBundleActiveAt", "query bundle scans")
	}
	return ok, nil
}

// BundleStateAt reads the most recent scan record for the pair. No record
// means absent; an open end time means active; a set end time means the
// cycle completed.
func (s *Store) BundleStateAt(ctx context.Context, bundleID, terminalID string) (tracking.BundleState, error) {
	var endTime sql.NullTime
	err := s.db.QueryRowContext(ctx, s.qBundleState, bundleID, terminalID).Scan(&endTime)
	if stderrors.Is(err, sql.ErrNoRows) {
		return tracking.BundleAbsent, nil
	}
	if err != nil {
		return tracking.BundleAbsent, errors.WrapPersistence(err, "sqlstore", "BundleStateAt", "query bundle scans")
	}
	if endTime.Valid {
		return tracking.BundleCompleted, nil
	}
	return tracking.BundleActive, nil
}

// OpenBundle inserts a start record for the bundle at the terminal.
func (s *Store) OpenBundle(ctx context.Context, bundleID, cardID, terminalID string) error {
	if _, err := s.db.ExecContext(ctx, s.qOpenBundle, bundleID, cardID, terminalID); err != nil {
		return errors.WrapPersistence(err, "sqlstore", "OpenBundle", "insert bundle scan")
	}
	return nil
}

// CloseBundle sets the end time on the open record. The update is
// conditional on END_TIME still being null, so two terminals racing the
// same close resolve on the database: the loser sees ErrNoRowsAffected.
func (s *Store) CloseBundle(ctx context.Context, bundleID, terminalID string) error {
	res, err := s.db.ExecContext(ctx, s.qCloseBundle, bundleID, terminalID)
	if err != nil {
		return errors.WrapPersistence(err, "sqlstore", "CloseBundle", "update bundle scan")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapPersistence(err, "sqlstore", "CloseBundle", "read rows affected")
	}
	if n == 0 {
		return fmt.Errorf("sqlstore.CloseBundle: bundle %s at %s: %w",
			bundleID, terminalID, errors.ErrNoRowsAffected)
	}
	return nil
}

// WorkstationStatus returns the terminal's latest status code verbatim.
func (s *Store) WorkstationStatus(ctx context.Context, terminalID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.qWorkstation, terminalID).Scan(&status)
	if err != nil {
		return "", errors.WrapPersistence(err, "sqlstore", "WorkstationStatus", "query workstation status")
	}
	return status, nil
}

// AppendError writes an audit record. Fields longer than their columns are
// truncated, never rejected.
func (s *Store) AppendError(ctx context.Context, ev *event.ErrorEvent) error {
	_, err := s.db.ExecContext(ctx, s.qAppendError,
		ev.ID,
		clip(ev.Type, maxTypeLen),
		clip(ev.Message, maxMessageLen),
		nullable(clip(ev.Detail, maxDetailLen)),
		nullable(clip(ev.TerminalID, maxTerminal)),
		nullable(clip(ev.CardID, maxCardLen)),
		nullable(clip(ev.Topic, maxTopicLen)),
		nullable(clip(ev.RawPayload, maxPayloadLen)),
		nullable(clip(ev.StackTrace, maxStackLen)),
		ev.Timestamp,
	)
	if err != nil {
		return errors.WrapPersistence(err, "sqlstore", "AppendError", "insert audit record")
	}
	return nil
}

func clip(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
