package monitor

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// manifestURL expands the {id} placeholder and appends cache-busting
// ts (unix milliseconds) and _ (random) query parameters.
func manifestURL(template, cameraID string, now time.Time) (string, error) {
	raw := strings.ReplaceAll(template, "{id}", url.PathEscape(cameraID))
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("manifest url: %w", err)
	}
	q := u.Query()
	q.Set("ts", strconv.FormatInt(now.UnixMilli(), 10))
	q.Set("_", strconv.FormatUint(rand.Uint64(), 36))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
