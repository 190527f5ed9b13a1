// Package errs defines the typed error kinds shared across the copier.
// Each externally-facing operation wraps its underlying failure into the
// most specific kind, prefixed with component and operation so a log line
// alone is enough to locate the failing boundary.
package errs

import "fmt"

// DataSourceError wraps a failure fetching or decoding agent data.
type DataSourceError struct {
	Op  string
	Err error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("%s: data source: %v", e.Op, e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

// TradingError wraps an order placement or cancellation failure.
// Symbol and OrderID are optional context.
type TradingError struct {
	Op      string
	Symbol  string
	OrderID string
	Err     error
}

func (e *TradingError) Error() string {
	msg := fmt.Sprintf("%s: trading", e.Op)
	if e.Symbol != "" {
		msg += " " + e.Symbol
	}
	if e.OrderID != "" {
		msg += " order " + e.OrderID
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *TradingError) Unwrap() error { return e.Err }

// PositionError wraps a position open/close validation failure.
type PositionError struct {
	Op        string
	Symbol    string
	Operation string
	Err       error
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("%s: position %s %s: %v", e.Op, e.Operation, e.Symbol, e.Err)
}

func (e *PositionError) Unwrap() error { return e.Err }

// ConfigError reports an invalid configuration or degenerate input
// value, such as a non-positive tolerance or a zero entry price.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DataSource wraps err as a DataSourceError; nil in, nil out.
func DataSource(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DataSourceError{Op: op, Err: err}
}

// Trading wraps err as a TradingError; nil in, nil out.
func Trading(op, symbol, orderID string, err error) error {
	if err == nil {
		return nil
	}
	return &TradingError{Op: op, Symbol: symbol, OrderID: orderID, Err: err}
}

// Position wraps err as a PositionError; nil in, nil out.
func Position(op, operation, symbol string, err error) error {
	if err == nil {
		return nil
	}
	return &PositionError{Op: op, Symbol: symbol, Operation: operation, Err: err}
}

// Config builds a ConfigError for field with a formatted message.
func Config(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}
