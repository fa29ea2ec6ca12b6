package llms

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/geoassist/pkg/observability"
)

// tracedProvider wraps a Provider with a span and call metrics per request.
// New installs it around every provider so both the chat and the parsing
// paths are covered.
type tracedProvider struct {
	inner Provider
}

func instrument(p Provider) Provider {
	return &tracedProvider{inner: p}
}

func (t *tracedProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []*ToolCall, int, error) {
	ctx, span := startLLMSpan(ctx, t.inner.ModelName(), false)
	defer span.End()

	text, toolCalls, tokens, err := t.inner.Generate(ctx, messages, tools)
	finishLLMSpan(span, tokens, err)
	observability.RecordLLMCall(t.inner.ModelName(), tokens, err)
	return text, toolCalls, tokens, err
}

func (t *tracedProvider) GenerateStructured(ctx context.Context, messages []Message, structConfig *StructuredOutputConfig) (string, int, error) {
	ctx, span := startLLMSpan(ctx, t.inner.ModelName(), true)
	defer span.End()

	text, tokens, err := t.inner.GenerateStructured(ctx, messages, structConfig)
	finishLLMSpan(span, tokens, err)
	observability.RecordLLMCall(t.inner.ModelName(), tokens, err)
	return text, tokens, err
}

func (t *tracedProvider) ModelName() string {
	return t.inner.ModelName()
}

func (t *tracedProvider) Close() error {
	return t.inner.Close()
}

func startLLMSpan(ctx context.Context, model string, structured bool) (context.Context, trace.Span) {
	return observability.GetTracer("geoassist.llm").Start(ctx, observability.SpanLLMGenerate,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.Bool("llm.structured", structured),
		),
	)
}

func finishLLMSpan(span trace.Span, tokens int, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.Int(observability.AttrLLMTokensTotal, tokens))
	span.SetStatus(codes.Ok, "")
}
