/*
Package events implements a small in-process pub/sub broker for
snapshot, transfer, and pool lifecycle events. Subscribers get buffered
channels; slow subscribers drop events rather than block publishers.
*/
package events
