package main

import (
	"context"
	"net/http"
	"time"

	"randomchat/config"
	"randomchat/internal/middleware"
	"randomchat/internal/profile"
	"randomchat/internal/room"
	"randomchat/internal/storage"
	"randomchat/internal/utils"
	"randomchat/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	config.Load()
	utils.Init()

	//-------------------------------------------------------
	// 1. 初始化 Redis（房间目录） / Postgres（用户资料）
	//-------------------------------------------------------
	if err := storage.InitRedis(
		config.C.Redis.Addr,
		config.C.Redis.Password,
		config.C.Redis.DB,
	); err != nil {
		utils.Error.Fatalf("Redis init failed: %v", err)
	}
	if err := storage.InitPostgres(config.C.Database.DSN); err != nil {
		utils.Error.Fatalf("Postgres init failed: %v", err)
	}

	//-------------------------------------------------------
	// 2. 初始化 Gin + CORS
	//-------------------------------------------------------
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	//-------------------------------------------------------
	// 3. 初始化 Hub（必须最先启动）
	//-------------------------------------------------------
	hub := websocket.NewHub()
	go hub.Run()

	//-------------------------------------------------------
	// 4. 房间目录 + 生命周期管理（含 waiting 房超期清理）
	//-------------------------------------------------------
	dir := room.NewRedisDirectory(storage.Rdb)
	life := room.NewLifecycle(dir, time.Duration(config.C.Match.RoomExpiryMinutes)*time.Minute)
	go life.RunExpiry(context.Background(), time.Duration(config.C.Match.SweepIntervalSeconds)*time.Second)

	//-------------------------------------------------------
	// 5. 匹配系统 Matchmaker
	//-------------------------------------------------------
	profiles := profile.NewPostgresStore(storage.DB)
	svc := room.NewMatchmaker(dir, life, profiles, hub)

	// 💡 满员回调：房间转 active，聊天正式开始
	svc.OnRoomReady = func(rm *room.Room) {
		utils.Print.Info("room active", "roomId", rm.ID, "occupants", rm.OccupantIDs())
	}

	//-------------------------------------------------------
	// 6. 鉴权路由：WebSocket 入口 + 匹配接口
	//-------------------------------------------------------
	secret := []byte(config.C.JWT.Secret)
	auth := r.Group("/", middleware.JwtAuthMiddleware(secret))
	{
		auth.GET("/ws", websocket.ServeWS(hub))

		h := room.NewHandler(svc)
		auth.POST("/match/join", h.Join)
		auth.POST("/match/leave", h.Leave)
		auth.GET("/rooms/:id", h.GetRoom)
	}

	//-------------------------------------------------------
	// 7. 启动服务器
	//-------------------------------------------------------
	utils.Info.Printf("Server running on %s", config.C.Server.Port)
	r.Run(config.C.Server.Port)
}
