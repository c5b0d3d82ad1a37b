// Package docs holds the swagger spec served by httpapi.MountSwagger.
// Regenerate with `swag init -g cmd/zenowd/docs.go -o docs`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/models/current": {
            "get": {
                "tags": [
                    "models"
                ],
                "summary": "Current model of a mode",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                },
                "parameters": [
                    {
                        "type": "string",
                        "description": "generation|embedding|reranking",
                        "name": "mode",
                        "in": "query"
                    }
                ]
            }
        },
        "/models/list": {
            "get": {
                "tags": [
                    "models"
                ],
                "summary": "List models of a mode",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                },
                "parameters": [
                    {
                        "type": "string",
                        "description": "generation|embedding|reranking",
                        "name": "mode",
                        "in": "query"
                    }
                ]
            }
        },
        "/models/add": {
            "post": {
                "tags": [
                    "models"
                ],
                "summary": "Register a GGUF file by path",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                }
            }
        },
        "/models/set_current": {
            "post": {
                "tags": [
                    "models"
                ],
                "summary": "Persist the current model of a mode",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                },
                "parameters": [
                    {
                        "type": "string",
                        "description": "generation|embedding|reranking",
                        "name": "mode",
                        "in": "query"
                    }
                ]
            }
        },
        "/models/load": {
            "post": {
                "tags": [
                    "models"
                ],
                "summary": "Resolve, download if needed, and start a model",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                },
                "parameters": [
                    {
                        "type": "string",
                        "description": "generation|embedding|reranking",
                        "name": "mode",
                        "in": "query"
                    }
                ]
            }
        },
        "/models/download": {
            "post": {
                "tags": [
                    "downloads"
                ],
                "summary": "Start a model download",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                },
                "parameters": [
                    {
                        "type": "string",
                        "description": "generation|embedding|reranking",
                        "name": "mode",
                        "in": "query"
                    }
                ]
            }
        },
        "/models/download/status": {
            "get": {
                "tags": [
                    "downloads"
                ],
                "summary": "Download task status",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                }
            }
        },
        "/models/get_param": {
            "get": {
                "tags": [
                    "models"
                ],
                "summary": "Persisted parameters of a mode",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                },
                "parameters": [
                    {
                        "type": "string",
                        "description": "generation|embedding|reranking",
                        "name": "mode",
                        "in": "query"
                    }
                ]
            }
        },
        "/models/update_param": {
            "post": {
                "tags": [
                    "models"
                ],
                "summary": "Update persisted parameters",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                },
                "parameters": [
                    {
                        "type": "string",
                        "description": "generation|embedding|reranking",
                        "name": "mode",
                        "in": "query"
                    }
                ]
            }
        },
        "/server/status": {
            "get": {
                "tags": [
                    "server"
                ],
                "summary": "Server state",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                },
                "parameters": [
                    {
                        "type": "string",
                        "description": "generation|embedding|reranking",
                        "name": "mode",
                        "in": "query"
                    }
                ]
            }
        },
        "/server/stop": {
            "post": {
                "tags": [
                    "server"
                ],
                "summary": "Stop the server of a mode",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                },
                "parameters": [
                    {
                        "type": "string",
                        "description": "generation|embedding|reranking",
                        "name": "mode",
                        "in": "query"
                    }
                ]
            }
        },
        "/chat": {
            "post": {
                "tags": [
                    "chat"
                ],
                "summary": "Run one chat turn",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                }
            }
        },
        "/sessions": {
            "get": {
                "tags": [
                    "sessions"
                ],
                "summary": "List sessions",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                }
            },
            "post": {
                "tags": [
                    "sessions"
                ],
                "summary": "Create a session named after its first message",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "201": {
                        "description": "Created"
                    }
                }
            }
        },
        "/sessions/{id}": {
            "get": {
                "tags": [
                    "sessions"
                ],
                "summary": "Get a session",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                },
                "parameters": [
                    {
                        "type": "integer",
                        "description": "session id",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ]
            }
        },
        "/sessions/{id}/messages": {
            "get": {
                "tags": [
                    "sessions"
                ],
                "summary": "Messages of a session",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK"
                    }
                },
                "parameters": [
                    {
                        "type": "integer",
                        "description": "session id",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ]
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "zenow API",
	Description:      "Local inference backend: model catalog, downloads, llama-server supervision, chat sessions.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
