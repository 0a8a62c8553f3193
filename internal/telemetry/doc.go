// Package telemetry provides OpenTelemetry instrumentation for iterd.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using
// the OpenTelemetry Go SDK. Telemetry is exported over OTLP (gRPC or
// HTTP/protobuf) to a collector.
//
// # Usage
//
// Create a telemetry instance:
//
//	cfg := telemetry.NewDefaultConfig()
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use tracer and meter:
//
//	tracer := tel.Tracer("iterd/supervisor")
//	ctx, span := tracer.Start(ctx, "supervisor.iteration")
//	defer span.End()
//
//	meter := tel.Meter("iterd/supervisor")
//	counter, _ := meter.Int64Counter("iterd.supervisor.iterations")
//	counter.Add(ctx, 1)
//
// # Error Handling
//
// Telemetry failures never crash the supervisor. If a provider cannot be
// initialized the instance degrades gracefully and hands out no-op
// tracers/meters.
//
// # Testing
//
// Use TestTelemetry for tests:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("test")
//	_, span := tracer.Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
