// Package telemetry wraps OpenTelemetry SDK initialization, giving the
// gateway's two binaries a single TracerProvider/MeterProvider setup. When
// telemetry is disabled, noop providers are used and nothing dials out.
package telemetry
