package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRefreshDelay(t *testing.T) {
	tests := []struct {
		name        string
		untilExpiry time.Duration
		margin      time.Duration
		min         time.Duration
		want        time.Duration
	}{
		{
			name:        "fires margin ahead of expiry",
			untilExpiry: 1800 * time.Second,
			margin:      300 * time.Second,
			min:         10 * time.Second,
			want:        1500 * time.Second,
		},
		{
			name:        "short lived token clamps to minimum",
			untilExpiry: 120 * time.Second,
			margin:      300 * time.Second,
			min:         10 * time.Second,
			want:        10 * time.Second,
		},
		{
			name:        "already expired clamps to minimum",
			untilExpiry: -time.Minute,
			margin:      300 * time.Second,
			min:         10 * time.Second,
			want:        10 * time.Second,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, refreshDelay(tc.untilExpiry, tc.margin, tc.min))
		})
	}
}
