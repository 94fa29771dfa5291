// Package dash is the public facade of the demultiplexer: it opens an MPD
// URL, drives the sequencer/fetcher/byte-stream/refresh machinery of
// internal/{manifest,sequencer,fetch,repstream,refresh}, and interleaves
// packets from every enabled representation in presentation order
// (SPEC_FULL.md §4.7).
package dash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/zsiec/dashmux/internal/container"
	"github.com/zsiec/dashmux/internal/dasherr"
	"github.com/zsiec/dashmux/internal/demux"
	"github.com/zsiec/dashmux/internal/fetch"
	"github.com/zsiec/dashmux/internal/manifest"
	"github.com/zsiec/dashmux/internal/refresh"
	"github.com/zsiec/dashmux/internal/repstream"
	"github.com/zsiec/dashmux/internal/sequencer"
)

// scte35EventStreamScheme is the SupplementalProperty/EventStream
// schemeIdUri that carries native DASH SCTE-35 splice signaling
// (SPEC_FULL.md §10.3).
const scte35EventStreamScheme = "urn:scte:scte35:2013:xml"

// Options configures a Demuxer.
type Options struct {
	Transport                  fetch.Transport
	AllowedExtensions          string
	UserAgent                  string
	TimelineOffsetCorrection   bool // default true if unset via DefaultOptions
	FetchCompletedSegmentsOnly bool
	// NewH3RoundTripper builds the HTTP/3 transport when Transport is
	// fetch.TransportH3; forwarded verbatim to fetch.Options.
	NewH3RoundTripper func() http.RoundTripper
	Log               *slog.Logger
}

// DefaultOptions mirrors SPEC_FULL.md §6's documented defaults.
func DefaultOptions() Options {
	return Options{
		Transport:                  fetch.TransportH1,
		TimelineOffsetCorrection:   true,
		FetchCompletedSegmentsOnly: true,
	}
}

// Packet is one demultiplexed unit with the side metadata SPEC_FULL.md
// §4.7 step 4 requires attached.
type Packet struct {
	*container.Packet

	RepresentationID string
	Kind             manifest.Kind
	SegNumber        int64
	SegSize          int64
	FragTimescale    int64
	FragDuration     int64
}

type activeRep struct {
	kind   manifest.Kind
	driver *repstream.Driver
	parser container.ContainerParser
	opened bool
	enabled bool
}

func (a *activeRep) curTimestamp90k() int64 { return a.driver.CurTimestamp }

// Demuxer is one open DASH presentation, driving one inner container
// parser per enabled representation.
type Demuxer struct {
	log     *slog.Logger
	fetcher *fetch.Fetcher
	opts    sequencer.Options
	url     string

	pres    *manifest.Presentation
	refresh *refresh.Controller
	isLive  bool

	reps []*activeRep

	// seekable is false for live presentations (SPEC_FULL.md §4.7 Open).
	seekable bool
	duration time.Duration

	// Out-of-band SCTE-35 carriage (SPEC_FULL.md §10.3): events queued from
	// the manifest's Period/EventStream elements, keyed by ID so a live
	// refresh that re-parses the same Period doesn't requeue what has
	// already fired. periodStart90k anchors PresentationTime, which is
	// relative to the owning Period's start.
	pendingSCTE35    []manifest.EventStreamEvent
	firedSCTE35      map[string]bool
	periodStart90k   int64
	headTimestamp90k int64
}

// Open parses the manifest at url and constructs one driver (and, for a
// probed representation, one container parser) per representation, with
// curr_timepoint = 0 for the initial parse.
func Open(ctx context.Context, url string, opts Options) (*Demuxer, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "dash")

	f, err := fetch.New(fetch.Options{
		Transport:         opts.Transport,
		AllowedExtensions: opts.AllowedExtensions,
		UserAgent:         opts.UserAgent,
		Log:               log,
		NewH3RoundTripper: opts.NewH3RoundTripper,
	})
	if err != nil {
		return nil, fmt.Errorf("dash: building fetcher: %w", err)
	}

	seqOpts := sequencer.Options{
		TimelineOffsetCorrection:   opts.TimelineOffsetCorrection,
		FetchCompletedSegmentsOnly: opts.FetchCompletedSegmentsOnly,
	}

	data, err := fetchBytes(ctx, f, url)
	if err != nil {
		return nil, fmt.Errorf("dash: fetching manifest: %w", err)
	}
	pres, err := manifest.Decode(data, url, 0, 0)
	if err != nil {
		return nil, err
	}

	d := &Demuxer{
		log:            log,
		fetcher:        f,
		opts:           seqOpts,
		url:            url,
		pres:           pres,
		refresh:        refresh.New(f, url, seqOpts, log),
		isLive:         pres.IsLive,
		seekable:       !pres.IsLive,
		firedSCTE35:    make(map[string]bool),
		periodStart90k: durationTo90k(pres.PeriodStart),
	}
	if !pres.IsLive {
		d.duration = pres.MediaPresentationDuration
	}
	d.queueSCTE35EventStream(pres.EventStreams)

	lp := sequencer.LiveParams{
		AvailabilityStartTime:      pres.AvailabilityStartTime,
		PublishTime:                pres.PublishTime,
		SuggestedPresentationDelay: pres.SuggestedPresentationDelay,
		TimeShiftBufferDepth:       pres.TimeShiftBufferDepth,
		MinBufferTime:              pres.MinBufferTime,
	}
	now := time.Now()

	for _, kind := range []manifest.Kind{manifest.Video, manifest.Audio, manifest.Subtitle} {
		reps := pres.Representations(kind)
		d.buildDrivers(kind, reps, lp, now, seqOpts)
	}

	if err := d.shareInitSections(ctx); err != nil {
		log.Warn("init section sharing failed, continuing without it", "error", err)
	}

	for _, r := range d.reps {
		r.enabled = true
	}

	return d, nil
}

func (d *Demuxer) buildDrivers(kind manifest.Kind, reps []manifest.Representation, lp sequencer.LiveParams, now time.Time, seqOpts sequencer.Options) {
	for _, rep := range reps {
		first := rep.StartNumber
		last := sequencer.MaxSegNo(&rep, lp, now, d.isLive)
		cur := first
		if d.isLive {
			cur = sequencer.CurSegNo(&rep, lp, now, seqOpts)
		}
		driver := repstream.NewDriver(rep, first, last, cur, d.isLive, d.fetcher, seqOpts, d.log)
		d.reps = append(d.reps, &activeRep{kind: kind, driver: driver})
	}
}

// shareInitSections implements SPEC_FULL.md §4.7's "detect shared init
// sections within {videos}, {audios}, {subtitles}": representations of the
// same kind whose resolved initialization Fragment is byte-identical share
// one HTTP fetch.
func (d *Demuxer) shareInitSections(ctx context.Context) error {
	byKind := map[manifest.Kind]map[string]*activeRep{}
	for _, r := range d.reps {
		init := r.driver.InitSection()
		if init == nil {
			continue
		}
		key := fmt.Sprintf("%s|%d|%d", init.URL, init.URLOffset, init.Size)
		m, ok := byKind[r.kind]
		if !ok {
			m = map[string]*activeRep{}
			byKind[r.kind] = m
		}
		if owner, exists := m[key]; exists {
			if !owner.driver.InitBufferLoaded() {
				if err := owner.driver.PreloadInit(ctx); err != nil {
					return err
				}
			}
			r.driver.AdoptInitBuffer(owner.driver.InitBufferBytes())
			continue
		}
		m[key] = r
	}
	return nil
}

func durationTo90k(d time.Duration) int64 {
	return int64(d.Seconds() * 90000)
}

// queueSCTE35EventStream adds any not-yet-fired SCTE-35 EventStream entries
// to d.pendingSCTE35, deduplicating by scheme+ID so a live refresh that
// re-parses the same Period doesn't requeue an event already emitted.
func (d *Demuxer) queueSCTE35EventStream(events []manifest.EventStreamEvent) {
	for _, ev := range events {
		if ev.SchemeIDURI != scte35EventStreamScheme {
			continue
		}
		key := ev.SchemeIDURI + "|" + ev.ID
		if d.firedSCTE35[key] {
			continue
		}
		already := false
		for _, p := range d.pendingSCTE35 {
			if p.SchemeIDURI == ev.SchemeIDURI && p.ID == ev.ID {
				already = true
				break
			}
		}
		if !already {
			d.pendingSCTE35 = append(d.pendingSCTE35, ev)
		}
	}
}

// dueSCTE35Event pops and returns the first pending out-of-band SCTE-35
// event whose Period-relative PresentationTime has been crossed by the
// furthest timestamp read so far, decoding its splice_info_section via the
// same internal/scte35 path the in-band PID carriage uses (SPEC_FULL.md
// §10.3). Malformed payloads are dropped rather than retried.
func (d *Demuxer) dueSCTE35Event() *demux.SCTE35Event {
	for {
		idx := -1
		var absolute90k int64
		for i, ev := range d.pendingSCTE35 {
			t := d.periodStart90k
			if ev.Timescale > 0 {
				t += ev.PresentationTime * 90000 / ev.Timescale
			}
			if t <= d.headTimestamp90k {
				idx, absolute90k = i, t
				break
			}
		}
		if idx == -1 {
			return nil
		}

		ev := d.pendingSCTE35[idx]
		d.pendingSCTE35 = append(d.pendingSCTE35[:idx], d.pendingSCTE35[idx+1:]...)
		d.firedSCTE35[ev.SchemeIDURI+"|"+ev.ID] = true

		decoded, err := demux.DecodeSCTE35Section(ev.MessageData)
		if err != nil {
			d.log.Warn("failed to parse out-of-band SCTE-35 event", "id", ev.ID, "error", err)
			continue
		}
		decoded.PTS = absolute90k
		return &decoded
	}
}

func fetchBytes(ctx context.Context, f *fetch.Fetcher, url string) ([]byte, error) {
	src, err := f.Open(ctx, url, fetch.Range{End: -1})
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(io.LimitReader(src, manifest.MaxManifestSize))
}

// SetEnabled toggles whether repID of kind participates in ReadPacket,
// implementing the consumer's per-stream discard level (SPEC_FULL.md §4.7
// step 1). Enabling a representation snaps its cur_seq_no to the maximum
// cur_seq_no across every currently active representation of any kind
// (the redesigned cross-kind catch-up of SPEC_FULL.md §4.7).
func (d *Demuxer) SetEnabled(kind manifest.Kind, repID string, enabled bool) {
	var target *activeRep
	for _, r := range d.reps {
		if r.kind == kind && r.driver.Rep.ID == repID {
			target = r
			break
		}
	}
	if target == nil {
		return
	}

	if enabled && !target.enabled {
		maxCur := target.driver.CurSeqNo
		for _, r := range d.reps {
			if r.enabled && r.driver.CurSeqNo > maxCur {
				maxCur = r.driver.CurSeqNo
			}
		}
		if maxCur > target.driver.CurSeqNo {
			target.driver.CurSeqNo = maxCur
		}
		target.enabled = true
		return
	}

	if !enabled && target.enabled {
		if target.parser != nil {
			target.parser.Close()
			target.parser = nil
		}
		target.driver.Close()
		target.opened = false
		target.enabled = false
	}
}

// ReadPacket returns the next packet in (cur_seq_no, cur_timestamp) order
// across every enabled representation (SPEC_FULL.md §4.7 step 2-5).
func (d *Demuxer) ReadPacket(ctx context.Context) (*Packet, error) {
	for {
		// Out-of-band SCTE-35 events aren't tied to any representation, so
		// RepresentationID and the manifest.Kind side field are left zero.
		if ev := d.dueSCTE35Event(); ev != nil {
			return &Packet{
				Packet: &container.Packet{Kind: container.KindSCTE35, PTS: ev.PTS, TimeBaseNum: 1, TimeBaseDen: 90000, SCTE35: ev},
			}, nil
		}

		r := d.pickNext()
		if r == nil {
			return nil, dasherr.ErrEndOfStream
		}

		if !r.opened {
			if err := d.openInner(ctx, r); err != nil {
				return nil, err
			}
		}

		cp, err := r.parser.ReadPacket(ctx)
		if err != nil {
			if err == io.EOF {
				r.opened = false
				if r.parser != nil {
					r.parser.Close()
					r.parser = nil
				}
				if d.isLive && r.driver.CurSeqNo > r.driver.LastSeqNo {
					if rerr := d.refreshAndSplice(ctx, r.driver); rerr != nil {
						d.log.Warn("live manifest refresh failed", "representation", r.driver.Rep.ID, "error", rerr)
					}
					if r.driver.CurSeqNo > r.driver.LastSeqNo {
						// Still ahead of the manifest's last known segment;
						// give the origin more time before trying again.
						r.enabled = false
					}
				}
				continue
			}
			return nil, fmt.Errorf("dash: reading representation %q: %w", r.driver.Rep.ID, err)
		}

		if cp.TimeBaseDen != 0 {
			r.driver.CurTimestamp = cp.PTS * (cp.TimeBaseNum * 90000) / cp.TimeBaseDen
		}
		if r.driver.CurTimestamp > d.headTimestamp90k {
			d.headTimestamp90k = r.driver.CurTimestamp
		}

		segNo, segSize := r.driver.CurrentSegmentInfo()
		pkt := &Packet{
			Packet:           cp,
			RepresentationID: r.driver.Rep.ID,
			Kind:             r.kind,
			SegNumber:        segNo,
			SegSize:          segSize,
			FragTimescale:    r.driver.Rep.FragmentTimescale,
			FragDuration:     r.driver.Rep.FragmentDuration,
		}

		if r.driver.IsRestartNeeded {
			if r.parser != nil {
				r.parser.Close()
			}
			r.driver.Restart()
			r.opened = false
		}

		return pkt, nil
	}
}

// refreshAndSplice re-fetches the manifest (collapsing concurrent callers
// via the refresh controller's singleflight group) and splices every
// representation of every kind against the resulting shadow presentation
// (SPEC_FULL.md §4.6). A representation re-enabled after being paused for
// falling behind the manifest (see ReadPacket) stays disabled until its
// own next enable call, so this only updates driver state, never
// re-enables anything.
func (d *Demuxer) refreshAndSplice(ctx context.Context, trigger *repstream.Driver) error {
	currTimepoint := refresh.CurrTimepoint(trigger, d.opts)
	shadow, err := d.refresh.Fetch(ctx, currTimepoint, trigger.Rep.PeriodStart)
	if err != nil {
		return err
	}
	d.periodStart90k = durationTo90k(shadow.PeriodStart)
	d.queueSCTE35EventStream(shadow.EventStreams)

	lp := sequencer.LiveParams{
		AvailabilityStartTime:      shadow.AvailabilityStartTime,
		PublishTime:                shadow.PublishTime,
		SuggestedPresentationDelay: shadow.SuggestedPresentationDelay,
		TimeShiftBufferDepth:       shadow.TimeShiftBufferDepth,
		MinBufferTime:              shadow.MinBufferTime,
	}
	now := time.Now()

	for _, r := range d.reps {
		if err := refresh.Splice(r.driver, shadow, r.kind, lp, now, d.opts); err != nil {
			return fmt.Errorf("dash: splicing representation %q: %w", r.driver.Rep.ID, err)
		}
		if !r.enabled && r.driver.CurSeqNo <= r.driver.LastSeqNo {
			r.enabled = true
		}
	}
	return nil
}

func (d *Demuxer) openInner(ctx context.Context, r *activeRep) error {
	r.parser = container.NewTSParser(d.log)
	if err := r.parser.Probe(ctx, driverReader{ctx: ctx, driver: r.driver}); err != nil {
		return fmt.Errorf("dash: probing representation %q: %w", r.driver.Rep.ID, err)
	}
	r.opened = true
	return nil
}

// driverReader adapts a repstream.Driver's context-taking Read method to
// the plain io.Reader the container parser expects, translating end of
// stream into io.EOF.
type driverReader struct {
	ctx    context.Context
	driver *repstream.Driver
}

func (r driverReader) Read(p []byte) (int, error) {
	n, err := r.driver.Read(r.ctx, p)
	if err != nil && errors.Is(err, dasherr.ErrEndOfStream) {
		return n, io.EOF
	}
	return n, err
}

// pickNext selects the enabled representation with the lexicographically
// smallest (cur_seq_no, cur_timestamp) key, breaking ties by stable order.
func (d *Demuxer) pickNext() *activeRep {
	var candidates []*activeRep
	for _, r := range d.reps {
		if r.enabled {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.driver.CurSeqNo != b.driver.CurSeqNo {
			return a.driver.CurSeqNo < b.driver.CurSeqNo
		}
		return a.curTimestamp90k() < b.curTimestamp90k()
	})
	return candidates[0]
}

// Seek repositions every representation of every kind to seekPos, a
// duration measured from the start of the presentation. Only valid for
// VOD presentations (SPEC_FULL.md §4.7 "Seek"); disabled representations
// get a dry-run seek (state updated, no inner parser reopen).
func (d *Demuxer) Seek(seekPos time.Duration) error {
	if !d.seekable {
		return fmt.Errorf("dash: seek not supported on a live presentation")
	}
	seekMsec := seekPos.Milliseconds()

	for _, r := range d.reps {
		rep := &r.driver.Rep
		var target int64
		switch rep.Style {
		case manifest.StyleTimeline:
			target = seekSegNoTimeline(rep, seekMsec, d.opts)
		case manifest.StyleTemplateDuration:
			if rep.FragmentTimescale > 0 && rep.FragmentDuration > 0 {
				target = rep.StartNumber + (seekMsec*rep.FragmentTimescale/rep.FragmentDuration)/1000
			} else {
				target = rep.StartNumber
			}
		case manifest.StyleList:
			target = rep.StartNumber
		}
		if target > r.driver.LastSeqNo {
			target = r.driver.LastSeqNo
		}
		if target < r.driver.FirstSeqNo {
			target = r.driver.FirstSeqNo
		}

		if r.enabled {
			if rep.Style == manifest.StyleList {
				if err := r.driver.Seek(target); err != nil {
					return err
				}
				continue
			}
			if r.parser != nil {
				r.parser.Close()
				r.parser = nil
			}
			r.driver.Restart()
			r.driver.CurSeqNo = target
			r.opened = false
		} else {
			r.driver.CurSeqNo = target
		}
	}
	return nil
}

func seekSegNoTimeline(rep *manifest.Representation, seekMsec int64, opts sequencer.Options) int64 {
	var cumMsec int64
	var num int64
	var startTime int64
	for _, e := range rep.Timelines {
		if e.StartTime > 0 {
			startTime = e.StartTime
		}
		durMsec := e.Duration * 1000 / maxInt64(rep.Timescale, 1)
		reps := e.Repeat
		if reps == -1 {
			reps = 0
		}
		for i := int64(0); i <= reps; i++ {
			cumMsec += durMsec
			if cumMsec > seekMsec {
				if opts.TimelineOffsetCorrection {
					return num + rep.StartNumber
				}
				return num
			}
			num++
			startTime += e.Duration
		}
	}
	if opts.TimelineOffsetCorrection {
		return num + rep.StartNumber
	}
	return num
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Duration is the presentation's total duration for VOD; zero for live.
func (d *Demuxer) Duration() time.Duration { return d.duration }

// Seekable reports whether Seek is valid for this presentation.
func (d *Demuxer) Seekable() bool { return d.seekable }

// Close tears down every inner parser, fetcher handle, and buffer.
func (d *Demuxer) Close() error {
	for _, r := range d.reps {
		if r.parser != nil {
			r.parser.Close()
		}
		r.driver.Close()
	}
	return nil
}
