/*
Package log provides structured logging for cellar built on zerolog.

Call Init once at startup, then derive component- or entity-scoped child
loggers with WithComponent, WithDataset, WithPool, and WithJob. Console
output is the default; JSON output is available for machine consumption.
*/
package log
