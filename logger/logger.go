// Package logger provides adapters for popular logger libraries to work with
// bptree's Logger interface. The standard library's *slog.Logger already
// implements bptree.Logger directly.
//
// Example with zap:
//
//	zapLogger, _ := zap.NewProduction()
//	tree, err := bptree.New(store, 1, 8, 8, bptree.WithLogger(logger.NewZap(zapLogger)))
package logger
