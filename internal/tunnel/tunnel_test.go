package tunnel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    Spec
		wantErr bool
	}{
		{name: "host and port", in: "0.0.0.0:3333", want: Spec{Host: "0.0.0.0", Port: 3333}},
		{name: "hostname", in: "localhost:3000", want: Spec{Host: "localhost", Port: 3000}},
		{name: "bare port defaults to loopback", in: "3333", want: Spec{Host: "127.0.0.1", Port: 3333}},
		{name: "ipv6", in: "[::1]:8080", want: Spec{Host: "::1", Port: 8080}},
		{name: "port zero", in: "127.0.0.1:0", want: Spec{Host: "127.0.0.1", Port: 0}},
		{name: "empty", in: "", wantErr: true},
		{name: "missing host", in: ":3333", wantErr: true},
		{name: "bad port", in: "127.0.0.1:notaport", wantErr: true},
		{name: "port out of range", in: "127.0.0.1:70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseSpec(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSpecStringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"0.0.0.0:3333", "localhost:3000", "[::1]:8080"} {
		spec, err := ParseSpec(in)
		require.NoError(t, err)

		again, err := ParseSpec(spec.String())
		require.NoError(t, err)
		require.Equal(t, spec, again)
	}
}
