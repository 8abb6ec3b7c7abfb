package llm

import (
	"github.com/smallbiznis/creditmeter/internal/llm/client"
	"go.uber.org/fx"
)

var Module = fx.Module("llm.client",
	fx.Provide(client.New),
)
