package supervisor

import (
	"strings"
	"sync/atomic"
	"testing"

	"github.com/agentdock/hostd/internal/logging"
)

func newTestLogger(t *testing.T) *logging.Logger {
	log, err := logging.New(logging.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return log
}

func TestParseStream_EmitsEachMarkerPair(t *testing.T) {
	input := strings.Join([]string{
		"some diagnostic banner",
		markerStart,
		`{"status":"success","result":"first"}`,
		markerEnd,
		"more diagnostic noise",
		markerStart,
		`{"status":"success","result":"second","newSessionId":"abc"}`,
		markerEnd,
		"",
	}, "\n")

	chunkCh := make(chan OutputChunk, 8)
	diag := &diagRing{max: diagRingBytes}
	var truncated atomic.Bool
	parseStream(strings.NewReader(input), 0, chunkCh, diag, &truncated, newTestLogger(t))
	close(chunkCh)

	var chunks []OutputChunk
	for c := range chunkCh {
		chunks = append(chunks, c)
	}

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Result != "first" || chunks[1].Result != "second" {
		t.Errorf("unexpected chunk contents: %+v", chunks)
	}
	if chunks[1].NewSessionID != "abc" {
		t.Errorf("expected second chunk to carry the new session id, got %+v", chunks[1])
	}
}

func TestParseStream_MalformedChunkIsSkippedNotFatal(t *testing.T) {
	input := strings.Join([]string{
		markerStart,
		"{not valid json",
		markerEnd,
		markerStart,
		`{"status":"success","result":"ok"}`,
		markerEnd,
		"",
	}, "\n")

	chunkCh := make(chan OutputChunk, 8)
	diag := &diagRing{max: diagRingBytes}
	var truncated atomic.Bool
	parseStream(strings.NewReader(input), 0, chunkCh, diag, &truncated, newTestLogger(t))
	close(chunkCh)

	var chunks []OutputChunk
	for c := range chunkCh {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected the malformed pair to be skipped, leaving 1 chunk, got %d", len(chunks))
	}
}

func TestParseStream_SetsTruncatedFlagPastMaxBytes(t *testing.T) {
	input := strings.Repeat("x", 1000) + "\n"
	chunkCh := make(chan OutputChunk, 8)
	diag := &diagRing{max: diagRingBytes}
	var truncated atomic.Bool
	parseStream(strings.NewReader(input), 10, chunkCh, diag, &truncated, newTestLogger(t))
	close(chunkCh)

	if !truncated.Load() {
		t.Fatal("expected output past maxBytes to set the truncated flag")
	}
}

func TestDiagRing_KeepsOnlyTail(t *testing.T) {
	d := &diagRing{max: 10}
	d.Append("0123456789012345")
	if len(d.Bytes()) > 10 {
		t.Fatalf("expected ring to cap at 10 bytes, got %d", len(d.Bytes()))
	}
}

func TestParseLastMarkerPair_RecoversFinalChunk(t *testing.T) {
	text := strings.Join([]string{
		markerStart, `{"status":"success","result":"old"}`, markerEnd,
		"noise in between",
		markerStart, `{"status":"success","result":"new"}`, markerEnd,
	}, "\n")

	chunk, ok := parseLastMarkerPair([]byte(text))
	if !ok {
		t.Fatal("expected to recover the last marker pair")
	}
	if chunk.Result != "new" {
		t.Errorf("expected the final pair's result, got %q", chunk.Result)
	}
}

func TestParseLastMarkerPair_NoMarkersReturnsFalse(t *testing.T) {
	if _, ok := parseLastMarkerPair([]byte("just some plain text")); ok {
		t.Fatal("expected no marker pair to be found")
	}
}

func TestLastNonBlankLine(t *testing.T) {
	got := lastNonBlankLine([]byte("first\nsecond\n\n   \n"))
	if got != "second" {
		t.Errorf("expected 'second', got %q", got)
	}
}

func TestSanitizeName_StripsUnsafeCharacters(t *testing.T) {
	got := sanitizeName("weird/folder name!")
	if strings.ContainsAny(got, "/ !") {
		t.Errorf("expected unsafe characters to be replaced, got %q", got)
	}
}

func TestMergeSecrets_RunSecretsOverrideProcessSecrets(t *testing.T) {
	merged := mergeSecrets(map[string]string{"token": "process", "shared": "a"}, map[string]string{"token": "run"})
	if merged["token"] != "run" {
		t.Errorf("expected run secret to win, got %q", merged["token"])
	}
	if merged["shared"] != "a" {
		t.Errorf("expected process-only secret to survive, got %q", merged["shared"])
	}
}
