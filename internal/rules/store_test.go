package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "tgwatch/pkg/logx"
)

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestRefreshCreatesTemplates(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, logx.Nop())

	changed := s.Refresh()
	require.True(t, changed, "first refresh sees template creation")

	for _, name := range []string{ChannelsFile, GroupsFile, UsersFile, KeywordsFile} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.NotEmpty(t, b, "%s should contain a template comment", name)
	}

	// Templates are comment-only: the parsed rule set is empty and monitor-all.
	rs := s.Current()
	assert.Empty(t, rs.WatchedChats())
	assert.Empty(t, rs.Users)
	assert.Empty(t, rs.Keywords)
	assert.True(t, rs.MonitorAll)
}

func TestRefreshUnchangedIsFalse(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, logx.Nop())

	writeRule(t, dir, ChannelsFile, "@mychannel\n-1001234567890\n")
	require.True(t, s.Refresh())
	assert.False(t, s.Refresh(), "unchanged bytes must report changed == false")
	assert.False(t, s.Refresh())
}

func TestRefreshParsesChatFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, logx.Nop())

	writeRule(t, dir, ChannelsFile, "# comment\n\n@alpha\n-1001234567890\nbeta\n")
	writeRule(t, dir, GroupsFile, "-42\n")
	require.True(t, s.Refresh())

	rs := s.Current()
	require.Len(t, rs.Channels, 3)
	assert.Equal(t, ChatRef{Handle: "alpha"}, rs.Channels[0])
	assert.Equal(t, ChatRef{ID: -1001234567890}, rs.Channels[1])
	assert.Equal(t, ChatRef{Handle: "beta"}, rs.Channels[2])
	require.Len(t, rs.Groups, 1)
	assert.Equal(t, int64(-42), rs.Groups[0].ID)
	assert.Len(t, rs.WatchedChats(), 4)
}

func TestRefreshSkipsBadChatID(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, logx.Nop())

	writeRule(t, dir, ChannelsFile, "-not-a-number\ngood_handle\n")
	require.True(t, s.Refresh())

	rs := s.Current()
	require.Len(t, rs.Channels, 1)
	assert.Equal(t, "good_handle", rs.Channels[0].Handle)
}

func TestRefreshOnlyReplacesChangedPortion(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, logx.Nop())

	writeRule(t, dir, ChannelsFile, "@alpha\n")
	writeRule(t, dir, KeywordsFile, "airdrop\n")
	require.True(t, s.Refresh())

	writeRule(t, dir, KeywordsFile, "airdrop\nmoon\n")
	require.True(t, s.Refresh())

	rs := s.Current()
	assert.Equal(t, []string{"airdrop", "moon"}, rs.Keywords)
	require.Len(t, rs.Channels, 1)
	assert.Equal(t, "alpha", rs.Channels[0].Handle)
	assert.Equal(t, []string{KeywordsFile}, s.ChangedFiles())
}

func TestIdempotentParse(t *testing.T) {
	dir := t.TempDir()
	content := "@alpha\n-100500\n# x\n"
	writeRule(t, dir, ChannelsFile, content)

	a := NewStore(dir, logx.Nop())
	require.True(t, a.Refresh())

	b := NewStore(dir, logx.Nop())
	require.True(t, b.Refresh())

	assert.Equal(t, a.Current(), b.Current())
}

func TestEmptyKeywordsMeansMonitorAll(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, logx.Nop())

	writeRule(t, dir, KeywordsFile, "# only comments\n")
	require.True(t, s.Refresh())
	assert.True(t, s.Current().MonitorAll)
	assert.True(t, s.Current().MatchesText("anything at all"))

	writeRule(t, dir, KeywordsFile, "空投\n")
	require.True(t, s.Refresh())
	rs := s.Current()
	assert.False(t, rs.MonitorAll)
	assert.True(t, rs.MatchesText("今晚空投开始"))
	assert.False(t, rs.MatchesText("nothing relevant"))
}
