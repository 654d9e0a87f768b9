// Package api implements the low-level request pipeline for the MediaWiki
// Action API: parameter encoding, GET/POST selection, retry and error
// recovery, disk-cached queries, continuation-driven query generators, and
// the paraminfo metadata cache the pipeline depends on.
//
// The higher-level domain model (pages, sites, families) is deliberately out
// of scope. Callers supply a Site implementation that describes the target
// wiki and its credential state; everything else goes through Client,
// Request and the generator family.
package api
