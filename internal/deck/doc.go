// Package deck picks the daily deck: a small, curated subset of unread
// feed items shown to the reader.
//
// Generator is pure. Given the corpus, the read, starred and shuffled-out
// sets and a random source it returns at most MaxDeckSize items, newest
// first. Online it fills heuristic buckets (recent, linked, questioning,
// illustrated, long, short) before drawing a shuffled remainder; offline it
// prefers items that read well without a network.
//
// Manager persists the result through the userstate service and owns the
// daily cycle:
//
//	new day        -> clear shuffled-out, restore budget, regenerate
//	deck used up   -> regenerate, refund a shuffle if reading used it up
//	Shuffle        -> shuffle out the visible deck, spend one unit, regenerate
//
// A pregenerated deck stored by Pregenerate is preferred over a fresh
// Generate when the deck is next rebuilt.
package deck
