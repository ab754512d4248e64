package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFilenameTimestamp(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		filename string
		want     *time.Time
	}{
		{"day first", "15-03-2024_10-30-00_data.json", &want},
		{"iso style", "2024-03-15_10-30-00_data.json", &want},
		{"no token", "data.json", nil},
		{"garbage token", "99-99-9999_99-99-99_data.json", nil},
		{"too short", "15-03-2024", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseFilenameTimestamp(tt.filename)
			if tt.want == nil {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.True(t, got.Equal(*tt.want), "got %v, want %v", got, tt.want)
			require.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"WWW.Example.com ", "example.com", true},
		{"example.com", "example.com", true},
		{"  HOST.ORG", "host.org", true},
		{"www.", "", false},
		{"", "", false},
		{"   ", "", false},
		{"www.www.a.com", "www.a.com", true},
	}

	for _, tt := range tests {
		got, ok := NormalizeHost(tt.in)
		require.Equal(t, tt.ok, ok, "input %q", tt.in)
		require.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestExtractDeduplicatesTargetsByNormalizedHost(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"targets": [
			{"target_id": "t1", "host": "a.com", "method": "GET"},
			{"target_id": "t2", "host": "WWW.A.com", "method": "POST"}
		]
	}`)

	out, err := Extract(data)
	require.NoError(t, err)
	require.Len(t, out.Targets, 1)
	require.Equal(t, 1, out.DuplicateTargets)
	// First occurrence wins.
	require.Equal(t, "t1", out.Targets[0].TargetID)
	require.Equal(t, "a.com", out.Targets[0].NormalizedHost)
	require.Equal(t, "GET", out.Targets[0].Method)
}

func TestExtractDropsTargetsWithoutUsableHost(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"targets": [
			{"target_id": "t1", "host": ""},
			{"target_id": "t2", "host": "www."},
			{"target_id": "t3", "host": "b.org"}
		]
	}`)

	out, err := Extract(data)
	require.NoError(t, err)
	require.Len(t, out.Targets, 1)
	require.Equal(t, "b.org", out.Targets[0].NormalizedHost)
	require.Equal(t, 2, out.TargetsWithoutHost)
}

func TestExtractIsolatesMalformedRecords(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"targets": [
			{"host": "a0.com"}, {"host": "a1.com"}, {"host": "a2.com"},
			{"host": "a3.com"}, {"host": "a4.com"}, {"host": "a5.com"},
			{"host": "a6.com"}, {"host": "a7.com"}, {"host": "a8.com"},
			{"host": "a9.com"},
			{"host": 12345},
			{"host": "bad-port.com", "port": "not-a-number"}
		],
		"randoms": [
			{"name": "ok", "id": "r1", "digit": true},
			{"name": "bad", "min": "NaN"}
		]
	}`)

	out, err := Extract(data)
	require.NoError(t, err)
	require.Len(t, out.Targets, 10)
	require.Equal(t, 2, out.MalformedTargets)
	require.Len(t, out.Randoms, 1)
	require.Equal(t, 1, out.MalformedRandoms)
	require.NotEmpty(t, out.MalformedSample)
}

func TestExtractPreservesTriStateBooleans(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"targets": [
			{"host": "ssl.com", "use_ssl": true},
			{"host": "plain.com", "use_ssl": false},
			{"host": "unknown.com"}
		],
		"randoms": [
			{"name": "r", "id": "1", "digit": true, "lower": false}
		]
	}`)

	out, err := Extract(data)
	require.NoError(t, err)
	require.Len(t, out.Targets, 3)

	require.NotNil(t, out.Targets[0].UseSSL)
	require.True(t, *out.Targets[0].UseSSL)
	require.NotNil(t, out.Targets[1].UseSSL)
	require.False(t, *out.Targets[1].UseSSL)
	// Absent means unspecified, never false.
	require.Nil(t, out.Targets[2].UseSSL)

	r := out.Randoms[0]
	require.NotNil(t, r.Digit)
	require.True(t, *r.Digit)
	require.NotNil(t, r.Lower)
	require.False(t, *r.Lower)
	require.Nil(t, r.Upper)
}

func TestExtractKeepsOpaquePayloadsAndNullsAbsentOnes(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"targets": [
			{"host": "a.com", "body": {"type": "str", "value": "x"}, "headers": null},
			{"host": "b.com"}
		]
	}`)

	out, err := Extract(data)
	require.NoError(t, err)
	require.Len(t, out.Targets, 2)
	require.JSONEq(t, `{"type": "str", "value": "x"}`, string(out.Targets[0].Body))
	require.Nil(t, out.Targets[0].Headers)
	require.Nil(t, out.Targets[1].Body)
}

func TestExtractRandomsFields(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"randoms": [
			{"name": "seq", "id": "abc", "digit": true, "upper": false, "lower": true, "min": 3, "max": 12}
		]
	}`)

	out, err := Extract(data)
	require.NoError(t, err)
	require.Len(t, out.Randoms, 1)
	r := out.Randoms[0]
	require.Equal(t, "seq", r.Name)
	require.Equal(t, "abc", r.RemoteID)
	require.NotNil(t, r.Min)
	require.EqualValues(t, 3, *r.Min)
	require.NotNil(t, r.Max)
	require.EqualValues(t, 12, *r.Max)
}

func TestExtractRejectsTopLevelGarbage(t *testing.T) {
	t.Parallel()

	_, err := Extract([]byte(`{not json`))
	require.Error(t, err)
}

func TestExtractEmptyDocument(t *testing.T) {
	t.Parallel()

	out, err := Extract([]byte(`{}`))
	require.NoError(t, err)
	require.Empty(t, out.Targets)
	require.Empty(t, out.Randoms)
}
