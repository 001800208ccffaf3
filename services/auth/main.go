// Выпуск dev-токенов: подписывает JWT тем же JWT_SECRET, что проверяет API.
// Учётные записи и вход остаются на стороне внешнего провайдера идентификации.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chatcore/internal/auth"
	"github.com/chatcore/internal/config"
	"github.com/chatcore/internal/logger"
)

func main() {
	logger.SetPrefix("auth")
	users := flag.String("users", "", "comma-separated user ids to issue tokens for")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg := config.Load()
	if cfg.IsProduction() {
		logger.Error("dev token issuer is disabled in production")
		logger.Flush(time.Second)
		os.Exit(1)
	}

	var ids []string
	for _, id := range strings.Split(*users, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "usage: auth -users alice,bob [-ttl 24h]")
		os.Exit(2)
	}

	for _, id := range ids {
		tok, err := auth.IssueToken(cfg.JWTSecret, id, *ttl)
		if err != nil {
			logger.Errorf("issue token %s: %v", id, err)
			logger.Flush(time.Second)
			os.Exit(1)
		}
		fmt.Printf("%s\t%s\n", id, tok)
	}
	logger.Flush(time.Second)
}
