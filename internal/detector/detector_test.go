package detector

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"

	"bundlemirror/internal/config"
)

func newTestDetector() *Detector {
	return New(config.Default().Detect, nil)
}

func isEntryTail(d *Detector, tail string) bool {
	region, ok := d.checkRegion(tail)
	return ok && HasEntryFactory(region)
}

func TestIsChunk(t *testing.T) {
	chunks := []string{
		`(self["webpackChunkdiscord_app"]=self["webpackChunkdiscord_app"]||[]).push([[1234],{5678:function(e,t,n){"use strict";}}]);`,
		`(this.webpackChunkdiscord_app=this.webpackChunkdiscord_app||[]).push([[40532],{517364:()=>{}}]);`,
		`"use strict";(this.webpackChunkdiscord_app=this.webpackChunkdiscord_app||[]).push([[465],{700465:(s,e,a)=>{}}]);`,
		"/*! For license information please see abc.js.LICENSE.txt */\n(this.webpackChunkdiscord_app=this.webpackChunkdiscord_app||[]).push([[81819],{}]);",
	}
	for _, c := range chunks {
		if !IsChunk(c) {
			t.Fatalf("expected chunk: %s", c)
		}
	}

	runtimes := []string{
		`(()=>{"use strict";var e,d,c,a,f,b,t,r,n,o,i={},s={};function l(e){var d=s[e];if(void 0!==d)return d.exports;var c=s[e]={id:e,loaded:!1,exports:{}};i[e].call(c.exports,c,c.exports,l);c.loaded=!0;return c.exports}l.m=i;l.c=s;`,
		`!function(){"use strict";var e={12345:function(e){e.exports={}}};`,
	}
	for _, r := range runtimes {
		if IsChunk(r) {
			t.Fatalf("expected non-chunk: %s", r)
		}
	}
}

func TestChunkIDs(t *testing.T) {
	cases := map[string][]uint64{
		`(this.webpackChunkdiscord_app=this.webpackChunkdiscord_app||[]).push([[40532],{517364:()=>{}}]);`:             {40532},
		`(this.webpackChunkdiscord_app=this.webpackChunkdiscord_app||[]).push([[81819,32162,99322],{517364:()=>{}}]);`: {81819, 32162, 99322},
		`no registration here`: nil,
	}
	for in, want := range cases {
		if got := ChunkIDs(in); !reflect.DeepEqual(got, want) {
			t.Fatalf("ChunkIDs(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEntryFactory(t *testing.T) {
	d := newTestDetector()
	entries := []string{
		"[40532,56054,97621,41446,54313,38634].map(e.E)}),5);var t=t=>e(e.s=t);e.O(0,[40532],(()=>(t(128594),t(535666),t(784633),t(289364))));e.O()}]);\n//# sourceMappingURL=07e5e273fbca67f2a275.js.map",
		"},t=>{var e=e=>t(t.s=e);e(128594),e(535666),e(784633),e(127124)}]);\n//# sourceMappingURL=e0d02106cf52f3b8851e.js.map",
		"e.O(void 0,[1,2],(()=>r(3)))}]);   \n",
	}
	for _, tail := range entries {
		if !isEntryTail(d, tail) {
			t.Fatalf("expected entry factory in %q", tail)
		}
	}
	regular := []string{
		"r=(this.height_-1)/(this.labels_.length-1),n=1;n<this.labels_.length;++n)e.fillText(this.labels_[n],t,r*n)}}};return e}();return e}();e.exports=t}}]);\n//# sourceMappingURL=b62c62429a41fb1f5911.js.map",
		"(0,i.jsx)(t.zxk,{onClick:e,children:r.Z.Messages.OKAY})})]})}}}]);\n//# sourceMappingURL=36a7e76e72fc807c0457.js.map",
		// Marker present but the code does not close the push call.
		"var t=t=>e(e.s=t);t(1)",
	}
	for _, tail := range regular {
		if isEntryTail(d, tail) {
			t.Fatalf("expected no entry factory in %q", tail)
		}
	}
}

func TestDeferredIDs(t *testing.T) {
	if got := DeferredIDs(`e.O(0,[40532],(()=>(t(128594),t(535666))));e.O()}]);`); !reflect.DeepEqual(got, []uint64{40532}) {
		t.Fatalf("unexpected ids %v", got)
	}
	if got := DeferredIDs(`e.O(0,[40532, 56054],(()=>(t(128594))));e.O(void 0,[7],x)}]);`); !reflect.DeepEqual(got, []uint64{40532, 56054, 7}) {
		t.Fatalf("unexpected ids %v", got)
	}
}

const (
	wrapper     = `(this.webpackChunkdiscord_app=this.webpackChunkdiscord_app||[]).push(`
	entryChunk  = wrapper + `[[111],{111:e=>{e.exports=1}},e=>{var t=t=>e(e.s=t);e.O(0,[222],(()=>t(111)));e.O()}]);` + "\n//# sourceMappingURL=entry.js.map\n"
	prereqChunk = wrapper + `[[222,223],{222:e=>{e.exports=2}}]);`
	lazyChunk   = wrapper + `[[333],{333:e=>{e.exports=3}}]);`
)

func TestAnalyzeClassifiesScripts(t *testing.T) {
	fsys := fstest.MapFS{
		"runtime.js": {Data: []byte(`(()=>{var l={};})()`)},
		"boot.js":    {Data: []byte(`!function(){"use strict";}()`)},
		"lazy.js":    {Data: []byte(lazyChunk)},
		"entry.js":   {Data: []byte(entryChunk)},
		"prereq.js":  {Data: []byte(prereqChunk)},
	}
	scripts := []string{"runtime.js", "/assets/boot.js", "lazy.js", "entry.js", "missing.js", "prereq.js"}

	report := newTestDetector().Analyze(fsys, scripts)
	want := []string{"runtime.js", "/assets/boot.js", "entry.js", "prereq.js"}
	if !reflect.DeepEqual(report.Entries, want) {
		t.Fatalf("entries = %v, want %v", report.Entries, want)
	}
	kinds := make([]Kind, 0, len(report.Scripts))
	for _, s := range report.Scripts {
		kinds = append(kinds, s.Kind)
	}
	wantKinds := []Kind{KindRuntime, KindBootstrap, KindChunk, KindEntry, KindUnreadable, KindPrerequisite}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Fatalf("kinds = %v, want %v", kinds, wantKinds)
	}
	if got := report.Scripts[3].Requires; !reflect.DeepEqual(got, []uint64{222}) {
		t.Fatalf("entry requires %v", got)
	}
	if got := report.Scripts[5].Provides; !reflect.DeepEqual(got, []uint64{222, 223}) {
		t.Fatalf("prereq provides %v", got)
	}
}

func TestAnalyzeStopsAtScanLimit(t *testing.T) {
	cfg := config.Default().Detect
	cfg.ScanLimit = 2
	fsys := fstest.MapFS{
		"a.js": {Data: []byte("x")},
		"b.js": {Data: []byte("!function(){}()")},
		"c.js": {Data: []byte("!function(){}()")},
	}
	report := New(cfg, nil).Analyze(fsys, []string{"a.js", "b.js", "c.js"})
	if !reflect.DeepEqual(report.Entries, []string{"a.js", "b.js"}) {
		t.Fatalf("unexpected entries %v", report.Entries)
	}
	if report.Scripts[2].Kind != KindUnscanned {
		t.Fatalf("expected c.js unscanned, got %s", report.Scripts[2].Kind)
	}
}

func TestDetectFallsBackToFirstScript(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lazy.js"), []byte(lazyChunk), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// runtime.js itself is missing; index 0 is kept without being read.
	scripts := []string{"runtime.js", "lazy.js", "missing.js", "/assets/gone.js"}

	got := newTestDetector().Detect(dir, scripts)
	if !reflect.DeepEqual(got, []string{scripts[0]}) {
		t.Fatalf("entries = %v, want [%s]", got, scripts[0])
	}
	report := newTestDetector().Analyze(os.DirFS(dir), scripts)
	wantKinds := []Kind{KindRuntime, KindChunk, KindUnreadable, KindUnreadable}
	for i, s := range report.Scripts {
		if s.Kind != wantKinds[i] {
			t.Fatalf("script %d kind = %s, want %s", i, s.Kind, wantKinds[i])
		}
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	report := newTestDetector().Analyze(fstest.MapFS{}, nil)
	if report.Entries == nil || len(report.Entries) != 0 {
		t.Fatalf("expected empty non-nil entries, got %#v", report.Entries)
	}
}

func TestDetectReadsLargeFilesByWindow(t *testing.T) {
	dir := t.TempDir()
	// Multi-byte filler forces the windows to land mid-rune.
	body := wrapper + `[[5],{5:e=>{e.exports="` + strings.Repeat("é", 4001) + `"}},e=>{var t=t=>e(e.s=t);t(5)}]);`
	if err := os.WriteFile(filepath.Join(dir, "big.js"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "runtime.js"), []byte("(()=>{})()"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := newTestDetector().Detect(dir, []string{"runtime.js", "big.js"})
	if !reflect.DeepEqual(got, []string{"runtime.js", "big.js"}) {
		t.Fatalf("unexpected entries %v", got)
	}
}

func TestClipKeepsRunesWhole(t *testing.T) {
	s := "aé" // 'é' is two bytes
	if got := clipHead(s, 2); got != "a" {
		t.Fatalf("clipHead = %q", got)
	}
	if got := clipTail("éa", 2); got != "a" {
		t.Fatalf("clipTail = %q", got)
	}
}
