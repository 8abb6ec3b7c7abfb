package chat

import (
	"github.com/smallbiznis/creditmeter/internal/chat/repository"
	"github.com/smallbiznis/creditmeter/internal/chat/service"
	"go.uber.org/fx"
)

var Module = fx.Module("chat.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
