/*
Package config loads the gateway's configuration: YAML file, then
environment variable overlay, then validation, matching the env vars named
in spec.md §6 (KEY_SERVER_SOCKET, WEB_SERVER_REDIS_URL, KEY_SERVER_REDIS_URL,
WEB_SERVER_JWT_SECRET, VAULT_ADDR, VAULT_TOKEN, CORS_ORIGINS,
WEB_SERVER_PORT, WORKERS). ProviderCatalogWatcher supports hot-reloading the
provider catalog file without a process restart.
*/
package config
