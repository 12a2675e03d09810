package logger

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

type settlementRow struct {
	ID     uint
	Status string
}

func TestGormLoggerWritesQueries(t *testing.T) {
	out := &syncBuffer{}
	Init(Config{Level: "debug", Format: "json", Output: out})

	gormLog := NewGormLogger()
	gormLog.LogLevel = gormlogger.Info

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLog})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&settlementRow{}))

	ctx := WithTournament(WithRequestID(context.Background(), "req-1"), "T1")
	row := settlementRow{Status: "pending"}
	require.NoError(t, db.WithContext(ctx).Create(&row).Error)

	Flush()
	logOutput := out.String()

	assert.Contains(t, logOutput, "INSERT INTO")
	assert.Contains(t, logOutput, `"rows":`)
	assert.Contains(t, logOutput, `"elapsed_ms":`)
	assert.Contains(t, logOutput, `"tournament_id":"T1"`)
	assert.Contains(t, logOutput, `"request_id":"req-1"`)
}

func TestSmartWriter_ImmediateFlushOnError(t *testing.T) {
	out := &syncBuffer{}
	sw := NewSmartWriter(out, 10*time.Second)
	defer sw.Close()

	infoLog := []byte(`{"level":"info","message":"queued"}` + "\n")
	_, err := sw.Write(infoLog)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len(), "info stays buffered")

	errorLog := []byte(`{"level":"error","message":"credit failed"}` + "\n")
	_, err = sw.Write(errorLog)
	require.NoError(t, err)
	assert.Equal(t, string(infoLog)+string(errorLog), out.String())
}

func TestSmartWriter_AutoFlush(t *testing.T) {
	out := &syncBuffer{}
	sw := NewSmartWriter(out, 50*time.Millisecond)
	defer sw.Close()

	line := []byte(`{"level":"info","message":"tick"}` + "\n")
	_, _ = sw.Write(line)

	assert.Eventually(t, func() bool {
		return out.String() == string(line)
	}, time.Second, 10*time.Millisecond)
}

func TestSmartWriter_CloseTwice(t *testing.T) {
	out := &syncBuffer{}
	sw := NewSmartWriter(out, time.Second)
	_, _ = sw.Write([]byte("x\n"))
	require.NoError(t, sw.Close())
	require.NoError(t, sw.Close())
	assert.Equal(t, "x\n", out.String())
}

func TestWithRequestIDIfMissing(t *testing.T) {
	ctx := WithRequestIDIfMissing(context.Background())
	id := GetRequestID(ctx)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, GetRequestID(WithRequestIDIfMissing(ctx)))
	assert.Equal(t, 3, len(strings.Split(id, "-")))
}

// The subprocess panics right after logging; the deferred Flush must still persist the line.
func TestFlushOnPanic(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "panic.log")
	if path := os.Getenv("LOGGER_PANIC_FILE"); path != "" {
		InitWithFile(path, "info", "json", false)
		defer Flush()
		InfoGlobal().Msg("flushed before panic")
		panic("intentional")
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFlushOnPanic")
	cmd.Env = append(os.Environ(), "LOGGER_PANIC_FILE="+logFile)
	_ = cmd.Run()

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "flushed before panic")
}

type settlementOp struct {
	OpKey  string `gorm:"primaryKey"`
	Status string
}

func (settlementOp) TableName() string { return "settlement_ops" }

func TestGormLoggerAuditsMoneyWritesAtWarnLevel(t *testing.T) {
	out := &syncBuffer{}
	Init(Config{Level: "info", Format: "json", Output: out})

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: NewGormLogger()})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&settlementOp{}, &settlementRow{}))

	ctx := WithPlan(WithRequestID(context.Background(), "req-2"), "tournament:T1")
	require.NoError(t, db.WithContext(ctx).Create(&settlementOp{OpKey: "credit:tournament:T1:u1:1", Status: "pending"}).Error)
	require.NoError(t, db.WithContext(ctx).Create(&settlementRow{Status: "pending"}).Error)

	var got settlementOp
	require.NoError(t, db.WithContext(ctx).First(&got).Error)

	Flush()
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var audited []string
	for _, line := range lines {
		if strings.Contains(line, `"audit":true`) {
			audited = append(audited, line)
		}
	}
	require.Len(t, audited, 1, "only the insert into settlement_ops is audited")
	assert.Contains(t, audited[0], `"audit_table":"settlement_ops"`)
	assert.Contains(t, audited[0], `"plan_id":"tournament:T1"`)
	assert.Contains(t, audited[0], `"request_id":"req-2"`)
}

func TestWithPlan(t *testing.T) {
	ctx := WithPlan(context.Background(), "table:42")
	assert.Equal(t, "table:42", GetPlanID(ctx))
	assert.Same(t, FromContext(ctx), FromContext(WithPlan(ctx, "table:42")))
	assert.Empty(t, GetPlanID(context.Background()))
}

func TestSmartWriter_FlushesWalletLines(t *testing.T) {
	out := &syncBuffer{}
	sw := NewSmartWriter(out, 10*time.Second)
	defer sw.Close()

	line := []byte(`{"level":"info","idempotency_key":"credit:table:t1:u1:3","message":"Credit acknowledged"}` + "\n")
	_, err := sw.Write(line)
	require.NoError(t, err)
	assert.Equal(t, string(line), out.String())
}
