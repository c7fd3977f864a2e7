/*
Package collector translates OS-level signals into events on the ingress
queue.

The file-system collector is mandatory: it watches the configured roots
with fsnotify, filters ignored globs, pairs rename halves, and tags its
events with the debounce window so the ingress queue coalesces rapid
saves. The git, process and timer collectors are optional siblings with
the same contract: idempotent Start, clean Stop on cancellation, immutable
event values only.
*/
package collector
