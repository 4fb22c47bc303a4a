package release

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestGenerator_Next_TimeLayout(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Date(2024, 1, 15, 12, 0, 30, 0, time.UTC))
	g := NewGenerator(WithClock(fc))

	id := g.Next()
	assert.Equal(t, ID("20240115-1200"), id)
	assert.NoError(t, id.Validate())
	assert.True(t, id.IsTimeBased())
}

func TestGenerator_Next_NeverRepeats(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	g := NewGenerator(WithClock(fc))

	first := g.Next()
	second := g.Next()
	third := g.Next()

	assert.Equal(t, ID("20240115-1200"), first)
	assert.Equal(t, ID("20240115-1200-2"), second)
	assert.Equal(t, ID("20240115-1200-3"), third)

	// clock moving backwards must not produce a reused value
	fc.SetTime(time.Date(2024, 1, 15, 11, 59, 0, 0, time.UTC))
	assert.Equal(t, ID("20240115-1200-4"), g.Next())

	fc.SetTime(time.Date(2024, 1, 15, 12, 1, 0, 0, time.UTC))
	assert.Equal(t, ID("20240115-1201"), g.Next())
}

func TestID_Validate(t *testing.T) {
	tests := []struct {
		id      ID
		wantErr bool
	}{
		{"20240115-1200", false},
		{"sha-0123456789ab", false},
		{"", true},
		{"latest", true},
		{"bad tag", true},
		{"-leading-dash", true},
		{ID(strings.Repeat("a", 129)), true},
	}

	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			err := tt.id.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyTime, s)

	s, err = ParseStrategy("content")
	require.NoError(t, err)
	assert.Equal(t, StrategyContent, s)

	_, err = ParseStrategy("random")
	assert.Error(t, err)
}

func TestFromContent_StableAndSensitive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM python:3.11\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: main"), 0o600))

	first, err := FromContent(Input{Dir: dir})
	require.NoError(t, err)
	second, err := FromContent(Input{Dir: dir})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first.String(), "sha-"))
	assert.Len(t, first.String(), len("sha-")+12)
	assert.False(t, first.IsTimeBased())

	// .git contents do not contribute
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: other"), 0o600))
	unchanged, err := FromContent(Input{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, first, unchanged)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM python:3.12\n"), 0o600))
	changed, err := FromContent(Input{Dir: dir})
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestFromContent_Excludes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM python:3.11\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "deploy", "chart"), 0o755))
	values := filepath.Join(dir, "deploy", "chart", "values-dev.yaml")
	require.NoError(t, os.WriteFile(values, []byte("image:\n  tag: a\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("draft"), 0o600))

	in := Input{Dir: dir, Exclude: []string{"deploy/chart", "*.md"}}
	first, err := FromContent(in)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(values, []byte("image:\n  tag: b\n"), 0o600))
	require.NoError(t, os.WriteFile(values+".bak", []byte("image:\n  tag: a\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("final"), 0o600))
	second, err := FromContent(in)
	require.NoError(t, err)
	assert.Equal(t, first, second, "excluded paths do not contribute")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py.bak"), []byte("old"), 0o600))
	third, err := FromContent(in)
	require.NoError(t, err)
	assert.Equal(t, first, third, "backups never contribute")

	_, err = FromContent(Input{Dir: dir, Exclude: []string{"[invalid"}})
	assert.Error(t, err)
}

func TestFromContent_NoInputs(t *testing.T) {
	_, err := FromContent()
	assert.Error(t, err)
}
