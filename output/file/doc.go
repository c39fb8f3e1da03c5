// Package file records subject lifecycles and animation frames to disk.
//
// Output implements consumer.Consumer. Every call becomes one JSON object on
// its own line (JSON Lines), so a take can be replayed or inspected with
// standard tools:
//
//	{"type":"create","time":1792059300123,"source":"…","name":"Alice","role":"animation"}
//	{"type":"static","time":1792059300124,"source":"…","name":"Alice","skeleton":{…}}
//	{"type":"frame","time":1792059300140,"source":"…","name":"Alice","frame":{…}}
//	{"type":"remove","time":1792059312001,"source":"…","name":"Alice"}
//
// Lines are buffered and written when BufferSize lines are pending, every
// FlushInterval, and on Stop. Unless Append is set each Start opens a fresh
// file named <prefix>-<UTC stamp>.jsonl; with Append all takes go to
// <prefix>.jsonl.
package file
