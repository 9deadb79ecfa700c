package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/audit"
	"github.com/qooode/solbot/internal/bus"
	"github.com/qooode/solbot/internal/config"
	"github.com/qooode/solbot/internal/policy"
)

// isolate points the config dir at a temp dir and clears the environment
// overrides so the developer's own keys never leak into a test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SOL_HOME", dir)
	for _, key := range []string{
		"SOL_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY",
		"SOL_BASE_URL", "SOL_MODEL", "SOL_ORACLE_MODEL", "SOL_TELEGRAM_TOKEN",
		"SOL_MODERATION_ENABLED", "SOL_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	return dir
}

func testCommand() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())
	return cmd, &buf
}

func TestInit(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"gateway", "onboard", "status", "decide", "audit"} {
		assert.True(t, names[want], "missing %s command", want)
	}
	assert.NotNil(t, decideCmd.Flags().Lookup("mention-agent"))
	assert.NotNil(t, auditCmd.Flags().Lookup("limit"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("verbose"))
}

func TestRunOnboard(t *testing.T) {
	dir := isolate(t)
	cmd, out := testCommand()

	require.NoError(t, runOnboard(cmd, nil))
	path := filepath.Join(dir, "config.json")
	assert.Contains(t, out.String(), "Created config: "+path)

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultName, cfg.Bot.Name)
	assert.Equal(t, config.DefaultRules, cfg.Moderation.Rules)

	out.Reset()
	require.NoError(t, runOnboard(cmd, nil))
	assert.Contains(t, out.String(), "Config already exists")
}

func TestRunStatus(t *testing.T) {
	isolate(t)
	t.Setenv("SOL_API_KEY", "sk-ant-abcdef123456")
	cmd, out := testCommand()

	require.NoError(t, runStatus(cmd, nil))
	got := out.String()
	assert.Contains(t, got, "Name: sol")
	assert.Contains(t, got, "Provider: anthropic (default)")
	assert.Contains(t, got, "API Key: sk-a...3456")
	assert.Contains(t, got, "Active chats: all")
	assert.Contains(t, got, "not created yet")
	assert.NotContains(t, got, "Problems:")
}

func TestRunStatus_ReportsProblems(t *testing.T) {
	dir := isolate(t)
	cfg := config.DefaultConfig()
	cfg.Channels.Telegram.Enabled = true
	cfg.Bot.ActiveChannels = []string{"-100", "-200"}
	require.NoError(t, config.SaveConfig(filepath.Join(dir, "config.yaml"), cfg))
	cmd, out := testCommand()

	require.NoError(t, runStatus(cmd, nil))
	assert.Contains(t, out.String(), "config.yaml")
	assert.Contains(t, out.String(), "Active chats: -100, -200")
	assert.Contains(t, out.String(), "Problems: telegram enabled without token")
}

func TestRunStatus_BadConfig(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{nope"), 0644))
	cmd, out := testCommand()

	require.NoError(t, runStatus(cmd, nil))
	assert.Contains(t, out.String(), "Config: error")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "not set", maskKey(""))
	assert.Equal(t, "set", maskKey("short"))
	assert.Equal(t, "abcd...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
}

func TestRunGateway_NoAPIKey(t *testing.T) {
	isolate(t)
	cmd, _ := testCommand()
	assert.ErrorIs(t, runGateway(cmd, nil), errNoAPIKey)
}

func TestRunGateway_InvalidConfig(t *testing.T) {
	dir := isolate(t)
	cfg := config.DefaultConfig()
	cfg.Provider.Type = "bard"
	require.NoError(t, config.SaveConfig(filepath.Join(dir, "config.json"), cfg))
	cmd, _ := testCommand()

	err := runGateway(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestServe_StopsWithContext(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.json")
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	require.NoError(t, config.SaveConfig(path, cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, serve(ctx, path, cfg, zap.NewNop()))

	_, err := os.Stat(config.AuditDBPath(cfg))
	assert.NoError(t, err, "audit db is created on start")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "warn"}, false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	logger, err = newLogger(config.LogConfig{Level: "warn", Development: true}, true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = newLogger(config.LogConfig{Level: "loud"}, false)
	assert.Error(t, err)
}

// oracleServer answers chat completion requests by prompt kind.
func oracleServer(t *testing.T, replies map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		prompt := req.Messages[len(req.Messages)-1].Content
		kind := "unknown"
		switch {
		case strings.Contains(prompt, "violates_rules"):
			kind = "moderation"
		case strings.Contains(prompt, `{"wait": true}`):
			kind = "patience"
		case strings.Contains(prompt, "should_respond"):
			kind = "respond"
		case strings.Contains(prompt, "Choose ONE type"):
			kind = "style"
		}
		reply, ok := replies[kind]
		if !ok {
			http.Error(w, "unscripted", http.StatusInternalServerError)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": reply}}},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDecide_WithOracle(t *testing.T) {
	srv := oracleServer(t, map[string]string{
		"moderation": `{"violates_rules": false}`,
		"patience":   `{"wait": false}`,
		"respond":    `sure: {"should_respond": true, "reason": "good moment to chime in"}`,
		"style":      "opinion",
	})
	cfg := config.DefaultConfig()
	cfg.Oracle.BaseURL = srv.URL
	cfg.Oracle.APIKey = "test-key"

	ev, err := decide(context.Background(), cfg, bus.InboundMessage{
		Channel:  "cli",
		SenderID: "ann",
		ChatID:   "c1",
		Content:  "anyone tried the new map yet",
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "defer", ev.Addressing)
	assert.False(t, ev.Mentioned)
	assert.Nil(t, ev.Violation)
	assert.True(t, ev.Decision.ShouldRespond)
	assert.Equal(t, "good moment to chime in", ev.Decision.Reason)
	assert.Equal(t, policy.TypeOpinion, ev.Decision.ResponseType)
}

func TestDecide_Violation(t *testing.T) {
	srv := oracleServer(t, map[string]string{
		"moderation": "```json\n{\"violates_rules\": true, \"rule_violated\": \"No hate speech\", \"severity\": \"high\"}\n```",
	})
	cfg := config.DefaultConfig()
	cfg.Oracle.BaseURL = srv.URL
	cfg.Oracle.APIKey = "test-key"

	ev, err := decide(context.Background(), cfg, bus.InboundMessage{
		Channel:  "cli",
		SenderID: "ann",
		ChatID:   "c1",
		Content:  "everyone from that server is worthless",
	}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, ev.Violation)
	assert.Equal(t, "No hate speech", ev.Violation.RuleViolated)
	assert.False(t, ev.Decision.ShouldRespond)
}

func TestRunDecide_NoOracleMentioned(t *testing.T) {
	isolate(t)
	cmd, out := testCommand()
	messageFlag, authorFlag, channelFlag = "hi there", "ann", "c1"
	mentionAgentFlag, dmFlag = true, false
	t.Cleanup(func() {
		messageFlag, authorFlag, channelFlag = "", "cli-user", "cli"
		mentionAgentFlag = false
	})

	require.NoError(t, runDecide(cmd, nil))

	var ev struct {
		Addressing string          `json:"addressing"`
		Mentioned  bool            `json:"mentioned"`
		Decision   policy.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &ev))
	assert.Equal(t, "engage", ev.Addressing)
	assert.True(t, ev.Mentioned)
	assert.True(t, ev.Decision.ShouldRespond)
	assert.Equal(t, policy.TypeCasual, ev.Decision.ResponseType, "style falls back without an oracle")
}

func TestRunAudit(t *testing.T) {
	isolate(t)
	cmd, out := testCommand()
	limitFlag, auditAuthorFlag, auditActionFlag, jsonFlag = 20, "", "", false
	t.Cleanup(func() { limitFlag, auditAuthorFlag, auditActionFlag, jsonFlag = 20, "", "", false })

	require.NoError(t, runAudit(cmd, nil))
	assert.Contains(t, out.String(), "No audit trail at")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	st, err := audit.Open(config.AuditDBPath(cfg), nil)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = st.Append(ctx, audit.Entry{Action: audit.ActionWarning, AuthorID: "ann", ChannelID: "c1", Rule: "No spam", Count: 1, Detail: "warned\nfor spam"})
	require.NoError(t, err)
	_, err = st.Append(ctx, audit.Entry{Action: audit.ActionTimeout, AuthorID: "bob", ChannelID: "c1", Count: 3})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out.Reset()
	require.NoError(t, runAudit(cmd, nil))
	table := out.String()
	assert.Contains(t, table, "ACTION")
	assert.Contains(t, table, "warned for spam")
	assert.Contains(t, table, "bob")

	out.Reset()
	auditAuthorFlag, jsonFlag = "ann", true
	require.NoError(t, runAudit(cmd, nil))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	var e audit.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e))
	assert.Equal(t, audit.ActionWarning, e.Action)
	assert.Equal(t, "No spam", e.Rule)
}

func TestPrintEntries_Empty(t *testing.T) {
	var buf bytes.Buffer
	printEntries(&buf, nil)
	assert.Equal(t, "No moderation actions recorded\n", buf.String())
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine(" a\n b\tc ", 10))
	assert.Equal(t, "abc...", oneLine("abcdef", 3))
}
