package plan

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// markerVersion is written into new identity markers.
const markerVersion = 0

// markerRx matches the payload of an S line carrying an identity marker.
// "uid=" is accepted alongside the "uuid=" form this package writes.
var markerRx = regexp.MustCompile(`^#plan2ics:\s+version=(\d+)\s+uu?id=([\w-]+)\s+hash=(\w+)\s*$`)

// Marker is the identity trailer kept in a block so that repeated runs
// over an edited file keep the same UID.
type Marker struct {
	Version int
	UID     string
	Hash    string
}

func parseMarker(payload string) (Marker, bool) {
	m := markerRx.FindStringSubmatch(payload)
	if m == nil {
		return Marker{}, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return Marker{}, false
	}
	return Marker{Version: v, UID: m[2], Hash: m[3]}, true
}

// Line renders the marker as a complete S line.
func (m Marker) Line() string {
	return fmt.Sprintf("S\t#plan2ics: version=%d uuid=%s hash=%s\n", m.Version, m.UID, m.Hash)
}

// isMarkerLine reports whether a raw body line is an identity marker.
func isMarkerLine(line string) bool {
	l := classify(line)
	if l.kind != lineScript || !l.tagged {
		return false
	}
	_, ok := parseMarker(l.payload)
	return ok
}

// ContentHash digests a block's header and body. Identity marker lines,
// blank lines and trailing blanks are left out, so writing a marker on
// save-back does not change the hash.
func ContentHash(header, body string) string {
	h := md5.New()
	h.Write([]byte(strings.TrimSpace(header)))
	h.Write([]byte{'\n'})
	for _, l := range bodyLines(body) {
		l = strings.TrimRight(l, " \t")
		if l == "" || isMarkerLine(l) {
			continue
		}
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveUID computes a name-based UUID from the event start and its
// description lines. Unmodified input always yields the same UID.
func DeriveUID(start time.Time, allDay bool, description []string) string {
	stamp := start.Format("2006-01-02 15:04:05")
	if allDay {
		stamp = start.Format("2006-01-02")
	}
	name := stamp + " " + strings.Join(description, " ")
	return uuid.NewMD5(uuid.NameSpaceOID, []byte(name)).String()
}
