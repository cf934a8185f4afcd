package logctx

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eunmann/tlc-sync/pkg/logging"
)

func TestFromContext_FallsBackToProcessLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := *logging.L()
	logging.SetLogger(zerolog.New(&buf))
	defer logging.SetLogger(prev)

	//nolint:staticcheck // nil context is part of the contract
	nilLog := FromContext(nil)
	nilLog.Info().Msg("nil ctx")
	emptyLog := FromContext(context.Background())
	emptyLog.Info().Msg("empty ctx")

	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Errorf("expected 2 lines from process logger, got %d: %s", got, buf.String())
	}
}

func TestWithLogger_AndFromContext(t *testing.T) {
	var buf bytes.Buffer
	customLogger := zerolog.New(&buf).With().Str("custom", "field").Logger()

	ctx := WithLogger(context.Background(), customLogger)
	log := FromContext(ctx)
	log.Info().Msg("test")

	if !strings.Contains(buf.String(), `"custom":"field"`) {
		t.Errorf("expected custom field in output, got: %s", buf.String())
	}
}

func TestWithRunID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithRunID(context.Background(), zerolog.New(&buf))

	id := RunID(ctx)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("RunID() = %q, not a uuid: %v", id, err)
	}

	log := FromContext(ctx)
	log.Info().Msg("start")
	if !strings.Contains(buf.String(), `"run_id":"`+id+`"`) {
		t.Errorf("expected run_id in output, got: %s", buf.String())
	}

	other := WithRunID(context.Background(), zerolog.New(&buf))
	if RunID(other) == id {
		t.Error("expected distinct run ids")
	}
}

func TestRunID_Missing(t *testing.T) {
	if got := RunID(context.Background()); got != "" {
		t.Errorf("RunID() = %q, want empty", got)
	}
}

func TestBatchAndUnitFields(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))
	ctx = WithBatch(ctx, "green", 2019)
	ctx = WithUnit(ctx, "green/2019-03")

	log := FromContext(ctx)
	log.Info().Msg("unit")

	output := buf.String()
	for _, want := range []string{`"service":"green"`, `"year":2019`, `"unit":"green/2019-03"`} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in output, got: %s", want, output)
		}
	}
}

func TestFieldsDoNotLeakToParent(t *testing.T) {
	var buf bytes.Buffer
	parent := WithLogger(context.Background(), zerolog.New(&buf))
	_ = WithStr(parent, "child", "only")

	log := FromContext(parent)
	log.Info().Msg("parent")

	if strings.Contains(buf.String(), "child") {
		t.Errorf("child field leaked into parent logger: %s", buf.String())
	}
}
