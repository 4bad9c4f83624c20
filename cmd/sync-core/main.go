package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"sync_core/internal/broker"
	"sync_core/internal/config"
	"sync_core/internal/domain"
	"sync_core/internal/logger"
	"sync_core/internal/presence"
	"sync_core/internal/repository"
	"sync_core/internal/ws"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func main() {
	// 1. Configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Development: cfg.App.Env != "production"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Database
	db, err := sql.Open("postgres", cfg.Postgres.ConnStr)
	if err != nil {
		log.Fatalw("failed to connect to postgres", "err", err)
	}
	defer db.Close()
	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatalw("failed to migrate schema", "err", err)
	}

	// 3. Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Pass,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalw("failed to connect to redis", "err", err)
	}

	// 4. Repositories
	chatRepo := repository.NewChatRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	presenceRepo := presence.NewRedisRepository(rdb, cfg.Redis.Prefix)

	// 5. RabbitMQ
	mqClient, err := broker.NewRabbitMQClient(cfg.AMQP.URL)
	if err != nil {
		log.Fatalw("failed to connect to rabbitmq", "err", err)
	}
	defer mqClient.Close()

	// 6. WebSocket Hub
	nodeID := uuid.New().String()
	hub := ws.NewHub(presenceRepo, chatRepo, mqClient, log, nodeID)
	go hub.Run(ctx)
	go hub.RunBroadcast(ctx)

	// 7. HTTP Handlers
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		peerID := r.URL.Query().Get("peer_id")
		name := r.URL.Query().Get("name")
		if peerID == "" {
			http.Error(w, "Missing peer_id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnw("failed to upgrade ws", "err", err)
			return
		}

		client := ws.NewClient(hub, conn, peerID, name)
		hub.Register <- client

		go client.WritePump()
		go client.ReadPump(ctx)
	})

	http.HandleFunc("/team", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		peers, err := chatRepo.ListPeers(r.Context())
		if err != nil {
			log.Errorw("failed to list peers", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		ids := make([]string, len(peers))
		for i, p := range peers {
			ids[i] = p.ID
		}
		sessions, err := presenceRepo.LastSeen(r.Context(), ids)
		if err != nil {
			log.Errorw("failed to fetch sessions", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		now := time.Now().UTC()
		team := make([]domain.PeerStatus, len(peers))
		for i, p := range peers {
			if s, ok := sessions[p.ID]; ok {
				p.LastSeenAt = s.LastSeen
			}
			team[i] = domain.PeerStatus{
				Peer:     p,
				IsOnline: now.Sub(p.LastSeenAt) < cfg.PresenceTTL,
			}
		}
		writeJSON(w, team)
	}))

	http.HandleFunc("/tasks", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		tasks, err := taskRepo.ListTasks(r.Context())
		if err != nil {
			log.Errorw("failed to list tasks", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, tasks)
	}))

	http.HandleFunc("/projects", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		projects, err := taskRepo.ListProjects(r.Context())
		if err != nil {
			log.Errorw("failed to list projects", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, projects)
	}))

	http.HandleFunc("/chat/group/messages", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		handleChannelMessages(w, r, domain.GroupChannelID, hub, chatRepo)
	}))

	http.HandleFunc("/chat/private/messages", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		other := r.URL.Query().Get("userId")
		self := r.URL.Query().Get("peerId")
		if other == "" || self == "" {
			http.Error(w, "Missing userId or peerId", http.StatusBadRequest)
			return
		}
		handleChannelMessages(w, r, domain.DirectChannelID(self, other), hub, chatRepo)
	}))

	addr := fmt.Sprintf(":%d", cfg.App.Port)
	log.Infow("server starting", "addr", addr, "node", nodeID)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalw("server stopped", "err", err)
	}
}

func handleChannelMessages(w http.ResponseWriter, r *http.Request, channelID string, hub *ws.Hub, chatRepo *repository.ChatRepository) {
	switch r.Method {
	case http.MethodGet:
		messages, err := chatRepo.ListChannelMessages(r.Context(), channelID, 200)
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, messages)
	case http.MethodPost:
		var body struct {
			SenderID string `json:"sender_id"`
			Content  string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid body", http.StatusBadRequest)
			return
		}
		if body.SenderID == "" || body.Content == "" {
			http.Error(w, "Missing sender_id or content", http.StatusBadRequest)
			return
		}
		msg, err := hub.PostMessage(r.Context(), channelID, body.SenderID, body.Content)
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, msg)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
