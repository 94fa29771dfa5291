package dash

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zsiec/dashmux/internal/manifest"
)

const vodMPD = `<?xml version="1.0"?>
<MPD type="static" mediaPresentationDuration="PT4S">
  <Period start="PT0S">
    <AdaptationSet mimeType="video/mp4" contentType="video">
      <Representation id="v1" bandwidth="500000" width="640" height="360" frameRate="30" codecs="avc1">
        <BaseURL>v1/</BaseURL>
        <SegmentList timescale="1" duration="2" startNumber="1">
          <Initialization sourceURL="init.mp4"/>
          <SegmentURL media="seg1.ts"/>
          <SegmentURL media="seg2.ts"/>
        </SegmentList>
      </Representation>
      <Representation id="v2" bandwidth="900000" width="1280" height="720" frameRate="30" codecs="avc1">
        <BaseURL>v2/</BaseURL>
        <SegmentList timescale="1" duration="2" startNumber="1">
          <Initialization sourceURL="init.mp4"/>
          <SegmentURL media="seg1.ts"/>
          <SegmentURL media="seg2.ts"/>
        </SegmentList>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

const liveMPDForOpen = `<?xml version="1.0"?>
<MPD type="dynamic" availabilityStartTime="2026-08-03T00:00:00Z" minBufferTime="PT2S">
  <Period id="p1" start="PT0S">
    <AdaptationSet mimeType="video/mp4" contentType="video">
      <Representation id="v1" bandwidth="500000" width="640" height="360" frameRate="30" codecs="avc1">
        <SegmentTemplate media="seg-$Number$.m4s" startNumber="1" timescale="1" duration="2">
          <SegmentTimeline>
            <S t="0" d="2" r="2"/>
          </SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

func serveMPD(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
}

func TestOpenVODBuildsOneDriverPerRepresentation(t *testing.T) {
	srv := serveMPD(t, vodMPD)
	defer srv.Close()

	d, err := Open(context.Background(), srv.URL, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if d.isLive {
		t.Error("expected static manifest to parse as VOD")
	}
	if !d.Seekable() {
		t.Error("expected VOD presentation to be seekable")
	}
	if d.Duration() <= 0 {
		t.Error("expected nonzero duration for a VOD presentation")
	}
	if len(d.reps) != 2 {
		t.Fatalf("expected 2 representations, got %d", len(d.reps))
	}
	for _, r := range d.reps {
		if !r.enabled {
			t.Errorf("representation %q should be enabled after Open", r.driver.Rep.ID)
		}
		if r.kind != manifest.Video {
			t.Errorf("representation %q: expected kind video, got %v", r.driver.Rep.ID, r.kind)
		}
	}
}

func TestOpenLiveIsNotSeekable(t *testing.T) {
	srv := serveMPD(t, liveMPDForOpen)
	defer srv.Close()

	d, err := Open(context.Background(), srv.URL, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if !d.isLive {
		t.Error("expected dynamic manifest to parse as live")
	}
	if d.Seekable() {
		t.Error("expected live presentation to reject Seek")
	}
	if err := d.Seek(0); err == nil {
		t.Error("expected Seek to fail on a live presentation")
	}
}

func TestSeekClampsWithinBounds(t *testing.T) {
	srv := serveMPD(t, vodMPD)
	defer srv.Close()

	d, err := Open(context.Background(), srv.URL, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	// Seek well past the end; every representation's cur_seq_no should
	// clamp to its own last_seq_no rather than error.
	if err := d.Seek(1 << 30); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	for _, r := range d.reps {
		if r.driver.CurSeqNo != r.driver.LastSeqNo {
			t.Errorf("representation %q: cur_seq_no = %d, want clamp to last_seq_no %d", r.driver.Rep.ID, r.driver.CurSeqNo, r.driver.LastSeqNo)
		}
	}
}

func TestSetEnabledCatchesUpAcrossKinds(t *testing.T) {
	srv := serveMPD(t, vodMPD)
	defer srv.Close()

	d, err := Open(context.Background(), srv.URL, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	var v1, v2 *activeRep
	for _, r := range d.reps {
		switch r.driver.Rep.ID {
		case "v1":
			v1 = r
		case "v2":
			v2 = r
		}
	}
	if v1 == nil || v2 == nil {
		t.Fatalf("expected representations v1 and v2, got %d reps", len(d.reps))
	}

	d.SetEnabled(manifest.Video, "v2", false)
	if v2.enabled {
		t.Fatal("expected v2 to be disabled")
	}

	// Advance v1 far ahead while v2 sits disabled.
	v1.driver.CurSeqNo = 2

	d.SetEnabled(manifest.Video, "v2", true)
	if !v2.enabled {
		t.Fatal("expected v2 to be re-enabled")
	}
	if v2.driver.CurSeqNo != v1.driver.CurSeqNo {
		t.Errorf("expected v2 to catch up to cur_seq_no %d, got %d", v1.driver.CurSeqNo, v2.driver.CurSeqNo)
	}
}

func TestPickNextOrdersBySeqNoThenTimestamp(t *testing.T) {
	srv := serveMPD(t, vodMPD)
	defer srv.Close()

	d, err := Open(context.Background(), srv.URL, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	var behind, ahead *activeRep
	for _, r := range d.reps {
		switch r.driver.Rep.ID {
		case "v1":
			behind = r
		case "v2":
			ahead = r
		}
	}
	ahead.driver.CurSeqNo = behind.driver.CurSeqNo + 1

	picked := d.pickNext()
	if picked != behind {
		t.Errorf("expected to pick the representation with the lower cur_seq_no (%q), got %q", behind.driver.Rep.ID, picked.driver.Rep.ID)
	}

	ahead.driver.CurSeqNo = behind.driver.CurSeqNo
	behind.driver.CurTimestamp = 100
	ahead.driver.CurTimestamp = 50

	picked = d.pickNext()
	if picked != ahead {
		t.Errorf("expected to pick the representation with the lower cur_timestamp (%q), got %q", ahead.driver.Rep.ID, picked.driver.Rep.ID)
	}
}
