// Package config loads gateway configuration.
//
// Configuration is read from YAML (.yaml, .yml) or TOML (.toml) files chosen
// by extension. Values may reference environment variables as ${VAR_NAME};
// unset variables expand to the empty string. Durations use
// time.ParseDuration syntax ("30s", "5m").
//
// A minimal YAML file:
//
//	server:
//	  addr: ":8700"
//	  path: "/mcp"
//	gateway:
//	  call_timeout: "30s"
//	  tool_cache_ttl: "1m"
//	breaker:
//	  threshold: 5
//	  min_backoff: "1s"
//	  max_backoff: "60s"
//	tenants:
//	  - name: default
//	    upstreams:
//	      - name: github
//	        endpoint: "https://mcp.example.com/github"
//	        credentials_ref: "env:GITHUB_TOKEN"
//	      - name: fs
//	        command: "mcp-fs"
//	        args: ["--root", "/srv"]
//
// When database.path is set the upstream registry lives in SQLite instead
// and the tenants section only seeds it.
package config
