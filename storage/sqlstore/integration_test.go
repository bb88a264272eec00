package sqlstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stitchworks/floorlink/config"
	"github.com/stitchworks/floorlink/errors"
	"github.com/stitchworks/floorlink/event"
	"github.com/stitchworks/floorlink/tracking"
)

const testSchema = `
CREATE TABLE MV_EMPLOYEES (
    EMP_CARD_NO VARCHAR(50) PRIMARY KEY,
    EMP_NAME    VARCHAR(200)
);
CREATE TABLE MACHINE_OPERATOR_SCANS (
    SCAN_ID     BIGINT AUTO_INCREMENT PRIMARY KEY,
    EMP_CARD_NO VARCHAR(50) NOT NULL,
    MAC_ADDRESS VARCHAR(20) NOT NULL,
    LOGIN_TIME  DATETIME NOT NULL,
    LOGOUT_TIME DATETIME NULL
);
CREATE TABLE GARMENT_BUNDLE_SCANS (
    SCAN_ID     BIGINT AUTO_INCREMENT PRIMARY KEY,
    BUNDLE_ID   VARCHAR(50) NOT NULL,
    BUNDLE_RFID VARCHAR(50) NOT NULL,
    MAC_ADDRESS VARCHAR(20) NOT NULL,
    START_TIME  DATETIME NOT NULL,
    END_TIME    DATETIME NULL
);
CREATE TABLE v_cuttingbundled (
    BUNDLE_RFID VARCHAR(50) PRIMARY KEY,
    BUNDLE_ID   VARCHAR(50) NOT NULL
);
CREATE TABLE WORKSTATION_STATUS (
    MAC_ADDRESS VARCHAR(20) NOT NULL,
    STATUS      VARCHAR(20) NOT NULL,
    UPDATED_AT  DATETIME NOT NULL
);
CREATE TABLE RFID_SYSTEM_ERROR_LOGS (
    ID              VARCHAR(36) PRIMARY KEY,
    ERROR_TYPE      VARCHAR(100) NOT NULL,
    ERROR_MESSAGE   VARCHAR(4000) NOT NULL,
    ERROR_DETAILS   VARCHAR(4000) NULL,
    MAC_ADDRESS     VARCHAR(20) NULL,
    RFID            VARCHAR(50) NULL,
    TOPIC           VARCHAR(100) NULL,
    MESSAGE_CONTENT VARCHAR(4000) NULL,
    STACK_TRACE     VARCHAR(4000) NULL,
    TIMESTAMP       DATETIME NOT NULL
);
`

func startMySQLContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.4",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "floorlink-test",
			"MYSQL_DATABASE":      "floorlink",
		},
		WaitingFor: wait.ForLog("ready for connections").
			WithOccurrence(2).
			WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306")
	require.NoError(t, err)

	dsn := fmt.Sprintf("root:floorlink-test@tcp(%s:%s)/floorlink?parseTime=true&multiStatements=true",
		host, port.Port())
	return container, dsn
}

func newIntegrationStore(ctx context.Context, t *testing.T) *Store {
	t.Helper()

	container, dsn := startMySQLContainer(ctx, t)
	t.Cleanup(func() { container.Terminate(ctx) })

	s, err := Open(config.DatabaseConfig{
		DSN:          dsn,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
		Tables:       testTables(),
	}, Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Connect(ctx))

	_, err = s.db.ExecContext(ctx, testSchema)
	require.NoError(t, err)

	return s
}

func TestIntegration_CardRosters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newIntegrationStore(ctx, t)

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO MV_EMPLOYEES (EMP_CARD_NO, EMP_NAME) VALUES ('1001', 'Operator One')")
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO v_cuttingbundled (BUNDLE_RFID, BUNDLE_ID) VALUES ('2001', 'B-77')")
	require.NoError(t, err)

	ok, err := s.FindEmployeeCard(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.FindEmployeeCard(ctx, "9999")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.FindBundleCard(ctx, "2001")
	require.NoError(t, err)
	assert.True(t, ok)

	bundleID, found, err := s.ResolveBundleID(ctx, "2001")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "B-77", bundleID)

	_, found, err = s.ResolveBundleID(ctx, "9999")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIntegration_LoginSessions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newIntegrationStore(ctx, t)

	loggedIn, err := s.IsLoggedIn(ctx, "1001")
	require.NoError(t, err)
	assert.False(t, loggedIn)

	require.NoError(t, s.CreateLogin(ctx, "1001", "AA:BB"))

	loggedIn, err = s.IsLoggedIn(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, loggedIn)

	active, err := s.HasActiveLogin(ctx, "AA:BB")
	require.NoError(t, err)
	assert.True(t, active)

	active, err = s.HasActiveLogin(ctx, "CC:DD")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestIntegration_BundleLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newIntegrationStore(ctx, t)

	state, err := s.BundleStateAt(ctx, "B-77", "AA:BB")
	require.NoError(t, err)
	assert.Equal(t, tracking.BundleAbsent, state)

	require.NoError(t, s.OpenBundle(ctx, "B-77", "2001", "AA:BB"))

	state, err = s.BundleStateAt(ctx, "B-77", "AA:BB")
	require.NoError(t, err)
	assert.Equal(t, tracking.BundleActive, state)

	// Visible as a conflict from any other terminal, by card rfid.
	other, found, err := s.ActiveBundleElsewhere(ctx, "2001", "CC:DD")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "AA:BB", other)

	// And blocks a different card's bundle at the holding terminal.
	busy, err := s.OtherBundleActiveAt(ctx, "AA:BB", "2099")
	require.NoError(t, err)
	assert.True(t, busy)

	require.NoError(t, s.CloseBundle(ctx, "B-77", "AA:BB"))

	state, err = s.BundleStateAt(ctx, "B-77", "AA:BB")
	require.NoError(t, err)
	assert.Equal(t, tracking.BundleCompleted, state)

	_, found, err = s.ActiveBundleElsewhere(ctx, "2001", "CC:DD")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIntegration_CloseBundle_LostRace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newIntegrationStore(ctx, t)

	require.NoError(t, s.OpenBundle(ctx, "B-77", "2001", "AA:BB"))
	require.NoError(t, s.CloseBundle(ctx, "B-77", "AA:BB"))

	// Second close finds no open record; the conditional update reports it.
	err := s.CloseBundle(ctx, "B-77", "AA:BB")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrNoRowsAffected))
}

func TestIntegration_WorkstationStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newIntegrationStore(ctx, t)

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO WORKSTATION_STATUS (MAC_ADDRESS, STATUS, UPDATED_AT) VALUES "+
			"('AA:BB', 'STATUS_RED', '2026-01-01 08:00:00'), "+
			"('AA:BB', 'STATUS_GREEN', '2026-01-01 09:00:00')")
	require.NoError(t, err)

	status, err := s.WorkstationStatus(ctx, "AA:BB")
	require.NoError(t, err)
	assert.Equal(t, "STATUS_GREEN", status)

	_, err = s.WorkstationStatus(ctx, "CC:DD")
	require.Error(t, err)
	assert.True(t, errors.IsPersistence(err))
}

func TestIntegration_AppendError_TruncatesFields(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	s := newIntegrationStore(ctx, t)

	ev := event.NewError(event.TypeProcessing, strings.Repeat("m", maxMessageLen+500),
		event.WithTerminal("AA:BB"),
		event.WithCard("1001"),
		event.WithPayload(strings.Repeat("p", maxPayloadLen+500)),
	)
	require.NoError(t, s.AppendError(ctx, &ev))

	var msg, payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT ERROR_MESSAGE, MESSAGE_CONTENT FROM RFID_SYSTEM_ERROR_LOGS WHERE ID = ?",
		ev.ID).Scan(&msg, &payload)
	require.NoError(t, err)
	assert.Len(t, msg, maxMessageLen)
	assert.Len(t, payload, maxPayloadLen)
}
