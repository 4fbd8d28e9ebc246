package main

// General API documentation for swaggo. Build with -tags=swagger to serve it.
//
// @title           fleetllm API
// @version         1.0
// @description     HTTP API for multi-backend local LLM inference.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
