package config

// Build information, set at link time:
//
//	go build -ldflags "-X github.com/tsingmao/xwtrain/internal/config.Version=v0.1.0 \
//	    -X github.com/tsingmao/xwtrain/internal/config.GitCommit=$(git rev-parse --short HEAD) \
//	    -X github.com/tsingmao/xwtrain/internal/config.BuildTime=$(date -u +%Y-%m-%d)"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
