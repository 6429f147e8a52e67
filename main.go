package main

import (
	"github.com/gin-gonic/gin"

	"bidmart/api"
)

func main() {
	args := ParseArgs()
	if err := args.Validate(); err != nil {
		panic(err)
	}
	server, err := api.NewServer(args.ServerConfig)
	if err != nil {
		panic(err)
	}
	defer server.Close()
	if err := server.Start(); err != nil {
		panic(err)
	}

	router := gin.Default()
	server.RegisterRoutes(router)
	if err := router.Run(args.ServerURL); err != nil {
		panic(err)
	}
}
