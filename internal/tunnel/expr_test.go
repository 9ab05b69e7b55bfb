package tunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseExpr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    Expr
		wantErr bool
	}{
		{
			name: "single backend",
			in:   "0.0.0.0:3333=127.0.0.1:3000",
			want: Expr{
				Local:    Spec{Host: "0.0.0.0", Port: 3333},
				Backends: []Spec{{Host: "127.0.0.1", Port: 3000}},
				Options:  DefaultOptions(),
			},
		},
		{
			name: "bare local port",
			in:   "3333=127.0.0.1:3000",
			want: Expr{
				Local:    Spec{Host: "127.0.0.1", Port: 3333},
				Backends: []Spec{{Host: "127.0.0.1", Port: 3000}},
				Options:  DefaultOptions(),
			},
		},
		{
			name: "multiple backends",
			in:   "127.0.0.1:4000=127.0.0.1:5000,127.0.0.1:5001",
			want: Expr{
				Local:    Spec{Host: "127.0.0.1", Port: 4000},
				Backends: []Spec{{Host: "127.0.0.1", Port: 5000}, {Host: "127.0.0.1", Port: 5001}},
				Options:  DefaultOptions(),
			},
		},
		{
			name: "options",
			in:   "4000=5000,5001[strategy=random,tls=true,retries=5,timeout=3s]",
			want: Expr{
				Local:    Spec{Host: "127.0.0.1", Port: 4000},
				Backends: []Spec{{Host: "127.0.0.1", Port: 5000}, {Host: "127.0.0.1", Port: 5001}},
				Options: Options{
					Strategy:    Random,
					TLS:         true,
					DialRetries: 5,
					DialTimeout: 3 * time.Second,
				},
			},
		},
		{name: "missing equals", in: "garbage", wantErr: true},
		{name: "empty remote", in: "3333=", wantErr: true},
		{name: "bad remote", in: "3333=badport:xx", wantErr: true},
		{name: "unterminated options", in: "3333=4000[strategy=random", wantErr: true},
		{name: "unknown option", in: "3333=4000[color=blue]", wantErr: true},
		{name: "bad strategy", in: "3333=4000[strategy=fastest]", wantErr: true},
		{name: "zero retries", in: "3333=4000[retries=0]", wantErr: true},
		{name: "negative timeout", in: "3333=4000[timeout=-3s]", wantErr: true},
		{name: "empty options", in: "3333=4000[]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseExpr(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestExprStringRoundTrip(t *testing.T) {
	t.Parallel()

	exprs := []string{
		"0.0.0.0:3333=127.0.0.1:3000",
		"127.0.0.1:4000=127.0.0.1:5000,127.0.0.1:5001",
		"127.0.0.1:4000=127.0.0.1:5000,127.0.0.1:5001[strategy=random,tls=true,retries=5,timeout=3s]",
	}

	for _, in := range exprs {
		expr, err := ParseExpr(in)
		require.NoError(t, err)

		again, err := ParseExpr(expr.String())
		require.NoError(t, err)
		require.Equal(t, expr, again, "round-trip of %q via %q", in, expr.String())
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"roundrobin", "round-robin", "rr"} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		require.Equal(t, RoundRobin, s)
	}

	s, err := ParseStrategy("random")
	require.NoError(t, err)
	require.Equal(t, Random, s)

	_, err = ParseStrategy("leastconn")
	require.Error(t, err)
}
