package mesh

import (
	"testing"

	"github.com/nodakmesh/meshberry/internal/mesh/directory"
	"github.com/nodakmesh/meshberry/internal/testutil/testlog"
)

func TestAdvertRoundTrip(t *testing.T) {
	testlog.Start(t)

	data := BuildAdvert(directory.NodeTypeRepeater, "Hilltop", true, 46.5, -7.25)
	adv, ok := ParseAdvert(data)
	if !ok {
		t.Fatalf("own advert unparseable")
	}
	if adv.Type != directory.NodeTypeRepeater || adv.Name != "Hilltop" {
		t.Fatalf("advert = %+v", adv)
	}
	if !adv.HasLocation {
		t.Fatalf("location lost in round trip")
	}
	// Microdegree encoding is exact for these coordinates, sign included.
	if adv.Latitude != 46.5 || adv.Longitude != -7.25 {
		t.Fatalf("location = %f,%f", adv.Latitude, adv.Longitude)
	}
}

func TestAdvertWithoutOptionalFields(t *testing.T) {
	testlog.Start(t)

	data := BuildAdvert(directory.NodeTypeChat, "", false, 0, 0)
	if len(data) != 1 {
		t.Fatalf("bare advert len = %d, want 1", len(data))
	}
	adv, ok := ParseAdvert(data)
	if !ok || adv.Name != "" || adv.HasLocation {
		t.Fatalf("bare advert = %+v ok=%v", adv, ok)
	}
	if adv.Type != directory.NodeTypeChat {
		t.Fatalf("type = %v", adv.Type)
	}
}

func TestParseAdvertTruncatedLocation(t *testing.T) {
	testlog.Start(t)

	// Location flag set but only 3 of 8 coordinate bytes present: the
	// location is dropped, the advert still parses.
	data := []byte{advertFlagLatLon | byte(directory.NodeTypeSensor), 0x01, 0x02, 0x03}
	adv, ok := ParseAdvert(data)
	if !ok {
		t.Fatalf("truncated advert rejected outright")
	}
	if adv.HasLocation {
		t.Fatalf("truncated coordinates produced a location")
	}
	if adv.Type != directory.NodeTypeSensor {
		t.Fatalf("type = %v", adv.Type)
	}
}

func TestParseAdvertEmpty(t *testing.T) {
	testlog.Start(t)

	if _, ok := ParseAdvert(nil); ok {
		t.Fatalf("empty advert accepted")
	}
}

func TestBuildAdvertTruncatesLongName(t *testing.T) {
	testlog.Start(t)

	name := make([]byte, 200)
	for i := range name {
		name[i] = 'x'
	}
	data := BuildAdvert(directory.NodeTypeChat, string(name), true, 1, 2)
	if len(data) != maxAdvertData {
		t.Fatalf("advert len = %d, want %d", len(data), maxAdvertData)
	}
	adv, _ := ParseAdvert(data)
	if len(adv.Name) != maxAdvertData-9 {
		t.Fatalf("parsed name len = %d", len(adv.Name))
	}
}
