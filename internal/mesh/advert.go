package mesh

import (
	"encoding/binary"

	"github.com/nodakmesh/meshberry/internal/mesh/directory"
)

// Advert app-data layout: one flag byte (type in the low nibble, feature
// bits above), then int32 lat/lon in microdegrees when the location bit
// is set, then the display name when the name bit is set.
const (
	advertFlagLatLon = 0x10
	advertFlagName   = 0x80
	advertTypeMask   = 0x0F

	maxAdvertData = 96
)

// AdvertData is the decoded application payload of an advertisement.
type AdvertData struct {
	Type        directory.NodeType
	Name        string
	HasLocation bool
	Latitude    float64
	Longitude   float64
}

// ParseAdvert decodes advert app data. Truncated location fields drop the
// location rather than failing; an empty name is allowed.
func ParseAdvert(data []byte) (AdvertData, bool) {
	if len(data) == 0 {
		return AdvertData{}, false
	}
	flags := data[0]
	out := AdvertData{Type: directory.NodeType(flags & advertTypeMask)}
	rest := data[1:]

	if flags&advertFlagLatLon != 0 {
		if len(rest) >= 8 {
			lat := int32(binary.LittleEndian.Uint32(rest[0:4]))
			lon := int32(binary.LittleEndian.Uint32(rest[4:8]))
			out.HasLocation = true
			out.Latitude = float64(lat) / 1e6
			out.Longitude = float64(lon) / 1e6
			rest = rest[8:]
		} else {
			rest = nil
		}
	}
	if flags&advertFlagName != 0 && len(rest) > 0 {
		out.Name = string(rest)
	}
	return out, true
}

// BuildAdvert encodes advert app data for our own advertisements.
func BuildAdvert(nodeType directory.NodeType, name string, hasLoc bool, lat, lon float64) []byte {
	flags := byte(nodeType) & advertTypeMask
	if hasLoc {
		flags |= advertFlagLatLon
	}
	if name != "" {
		flags |= advertFlagName
	}

	out := make([]byte, 0, maxAdvertData)
	out = append(out, flags)
	if hasLoc {
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(lat*1e6)))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(lon*1e6)))
		out = append(out, buf[:]...)
	}
	if name != "" {
		room := maxAdvertData - len(out)
		if len(name) > room {
			name = name[:room]
		}
		out = append(out, name...)
	}
	return out
}
