package remote

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"fpsync/internal/fp"
)

func TestS3Remote_KeyFor(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		serverURL string
		want      string
	}{
		{"no prefix", "", "https://cloud.example.com/remote.php/dav/files/alice/a.txt", "cloud.example.com/remote.php/dav/files/alice/a.txt"},
		{"prefix", "/nc/", "https://cloud.example.com/remote.php/dav/files/alice", "nc/cloud.example.com/remote.php/dav/files/alice"},
		{"plain path", "nc", "/files/alice/", "nc/files/alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewS3Remote(nil, "bucket", tt.prefix, fp.RealClock{}, fp.NewNopLogger())
			if got := r.keyFor(tt.serverURL); got != tt.want {
				t.Errorf("keyFor(%q) = %q, want %q", tt.serverURL, got, tt.want)
			}
		})
	}
}

func TestS3Remote_OcIDForKeyIsStable(t *testing.T) {
	r := NewS3Remote(nil, "bucket", "", fp.RealClock{}, fp.NewNopLogger())
	a := r.ocIDForKey("x/y")
	if a != r.ocIDForKey("x/y") {
		t.Error("ocIDForKey() not deterministic")
	}
	if a == r.ocIDForKey("x/z") {
		t.Error("ocIDForKey() collides for different keys")
	}
}

func TestTranslateS3Error(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"no such key", &types.NoSuchKey{}, 404},
		{"wrapped not found", fmt.Errorf("head: %w", &types.NotFound{}), 404},
		{"transport", errors.New("connection refused"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateS3Error("op", "/p", tt.err)
			var re *fp.RemoteError
			if !errors.As(err, &re) {
				t.Fatalf("translateS3Error() = %v, want RemoteError", err)
			}
			if re.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", re.Code, tt.wantCode)
			}
		})
	}

	if translateS3Error("op", "/p", nil) != nil {
		t.Error("translateS3Error(nil) should be nil")
	}
}
