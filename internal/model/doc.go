// Package model holds the plain value types shared by matching, tracking and
// dispatch: game events, subscribers with their filters, and the dispatch
// records kept per encounter and per raid cycle.
package model
