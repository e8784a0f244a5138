package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func captureLogger() (*GormLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewGormLogger(l), &buf
}

func stmt() (string, int64) { return "SELECT 1", 1 }

func TestGormLogger_Trace(t *testing.T) {
	tests := []struct {
		name    string
		level   gormlogger.LogLevel
		begin   time.Time
		err     error
		want    string
		wantNil bool
	}{
		{"error", gormlogger.Warn, time.Now(), errors.New("boom"), "query failed", false},
		{"record not found ignored", gormlogger.Warn, time.Now(), gorm.ErrRecordNotFound, "", true},
		{"slow", gormlogger.Warn, time.Now().Add(-time.Second), nil, "slow query", false},
		{"fast at warn", gormlogger.Warn, time.Now(), nil, "", true},
		{"fast at info", gormlogger.Info, time.Now(), nil, "msg=query", false},
		{"silent", gormlogger.Silent, time.Now(), errors.New("boom"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, buf := captureLogger()
			g.LogMode(tt.level).Trace(context.Background(), tt.begin, stmt, tt.err)
			if tt.wantNil {
				if buf.Len() != 0 {
					t.Errorf("expected no output, got %q", buf.String())
				}
				return
			}
			if !bytes.Contains(buf.Bytes(), []byte(tt.want)) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestGormLogger_LogModeCopies(t *testing.T) {
	g, buf := captureLogger()
	g.LogMode(gormlogger.Silent)
	g.Warn(context.Background(), "still %s", "warn")
	if !bytes.Contains(buf.Bytes(), []byte("still warn")) {
		t.Errorf("LogMode must not mutate the receiver, got %q", buf.String())
	}
}
