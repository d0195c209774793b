// Package progress reports how far a running preload has got. It reads the
// crawl log written by wget, checks the PID lease for liveness, and pairs the
// counts with an estimate of how many URLs the site has.
package progress
