package applog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestGetContextFieldsEmpty(t *testing.T) {
	fields := getContextFields(context.Background())
	assert.Nil(t, fields, "expected no fields")
}

func TestAddContextFieldsMergesAndOverrides(t *testing.T) {
	ctx := AddContextFields(context.Background(), zap.String("service", "battleFactory"))
	assert.Len(t, getContextFields(ctx), 1)

	ctx = AddContextFields(ctx, zap.String("service", "liveUsageStats"), zap.String("room", "battle-x-1"))
	fields := getContextFields(ctx)
	assert.Len(t, fields, 2, "an overridden key must not be duplicated")

	for _, field := range fields {
		if field.Key == "service" {
			assert.Equal(t, "liveUsageStats", field.String)
		}
	}
}

func TestFromContextCarriesFields(t *testing.T) {
	ctx := AddContextFields(context.Background(), zap.String("service", "server"))
	assert.NotNil(t, FromContext(ctx))
}
