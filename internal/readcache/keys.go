package readcache

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	KeySeparator = ":"

	AppointmentPrefix = "appointment:"
	// ListPrefix covers every cached appointment listing.
	ListPrefix     = "appointments:list:"
	CalendarPrefix = "calendar:"
	ProfilePrefix  = "user:profile:"
)

func AppointmentKey(id string) string { return AppointmentPrefix + id }

func ProfileKey(userID string) string { return ProfilePrefix + userID }

// DoctorCalendarPrefix covers every cached calendar range of one doctor.
func DoctorCalendarPrefix(doctorID string) string {
	return CalendarPrefix + doctorID + KeySeparator
}

func CalendarKey(doctorID string, from, to time.Time) string {
	return DoctorCalendarPrefix(doctorID) +
		strconv.FormatInt(from.UTC().Unix(), 10) + KeySeparator + strconv.FormatInt(to.UTC().Unix(), 10)
}

// ListKey derives a deterministic key from query parameters. Empty values
// are dropped and names are sorted, so equivalent queries share a key.
func ListKey(params map[string]string) string {
	return ListPrefix + Signature(params)
}

// Signature is the hex xxhash of the canonical "k=v&k=v" form of params.
func Signature(params map[string]string) string {
	names := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}
