package driver

// FallbackConcurrency is used when nothing else declares a concurrency.
const FallbackConcurrency = 2

// ConcurrencyResolver computes the effective queue concurrency of a data
// source: explicit queue config, then the global override, then the driver
// type's default, then FallbackConcurrency.
type ConcurrencyResolver struct {
	// QueueConcurrency returns the configured concurrency for a data source, zero if unset.
	QueueConcurrency func(dataSource string) int
	// Override is the global environment override, zero if unset.
	Override int
	// DBType resolves the driver type of a data source.
	DBType   func(dataSource string) string
	Registry *Registry
}

// Resolve returns the effective concurrency for dataSource.
func (r ConcurrencyResolver) Resolve(dataSource string) int {
	if r.QueueConcurrency != nil {
		if n := r.QueueConcurrency(dataSource); n > 0 {
			return n
		}
	}
	if r.Override > 0 {
		return r.Override
	}
	if r.DBType != nil && r.Registry != nil {
		if n := r.Registry.DefaultConcurrency(r.DBType(dataSource)); n > 0 {
			return n
		}
	}
	return FallbackConcurrency
}
