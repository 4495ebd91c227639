package prof

import (
	"context"
	"strings"
	"testing"

	"github.com/tempohq/tempo/internal/log"
)

func TestStart_Disabled(t *testing.T) {
	var active []bool
	stop, err := Start(context.Background(), Options{
		Enabled:              false,
		ProfileMutexFraction: 999,
		OnActive:             func(a bool) { active = append(active, a) },
	})
	if err != nil {
		t.Fatalf("disabled should never error, got: %v", err)
	}
	stop()
	stop()
	if len(active) != 1 || active[0] {
		t.Fatalf("OnActive calls = %v, want [false]", active)
	}
}

func TestStart_Disabled_WithContextLogger(t *testing.T) {
	ctx := log.WithContext(context.Background(), log.Nop())
	stop, err := Start(ctx, Options{Enabled: false})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
}

func TestStart_Enabled_InvalidOptions(t *testing.T) {
	cases := map[string]struct {
		opts Options
		want string
	}{
		"no address":     {Options{Enabled: true, AppName: "tempo"}, "invalid server address"},
		"no scheme":      {Options{Enabled: true, AppName: "tempo", ServerAddress: "pyroscope:4040"}, "invalid server address"},
		"no app name":    {Options{Enabled: true, ServerAddress: "http://pyroscope:4040"}, "app name is required"},
		"all but server": {Options{Enabled: true, AppName: "tempo", TenantID: "t", Tags: map[string]string{"k": "v"}}, "invalid server address"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			stop, err := Start(context.Background(), tc.opts)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
			if stop == nil {
				t.Fatal("stop must be non-nil even on error")
			}
			stop()
			stop()
		})
	}
}

func TestPyroLogger(t *testing.T) {
	l := pyroLogger{l: log.Nop()}
	l.Infof("uploading %d profiles", 3)
	l.Debugf("tick")
	l.Errorf("upload failed: %s", "timeout")
}
