package main

// General API documentation for swaggo. Regenerate docs/ with
// `swag init -g cmd/zenowd/docs.go -o docs`.
//
// @title           zenow API
// @version         1.0
// @description     Local inference backend: model catalog, downloads, llama-server supervision, chat sessions.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
