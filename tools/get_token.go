// get_token walks through the OAuth2 consent flow once and prints the refresh
// token used by the gmail mail transport.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

func main() {
	addr := flag.String("listen", "localhost:8089", "address for the OAuth2 redirect listener")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Fatalf("error loading .env file: %v", err)
	}

	clientID := os.Getenv("GMAIL_CLIENT_ID")
	clientSecret := os.Getenv("GMAIL_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		logrus.Fatal("Please set GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET environment variables")
	}

	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
		RedirectURL:  "http://" + *addr + "/callback",
	}

	state := uuid.NewString()
	code, err := awaitCode(*addr, state, func() {
		fmt.Printf("Open the following link in your browser:\n\n%s\n\n", config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))
	})
	if err != nil {
		logrus.Fatalf("Authorization failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tok, err := config.Exchange(ctx, code)
	if err != nil {
		logrus.Fatalf("Unable to exchange authorization code: %v", err)
	}
	if tok.RefreshToken == "" {
		logrus.Fatal("Google returned no refresh token; revoke the app's access and run again")
	}

	fmt.Println("Add the refresh token to your environment:")
	fmt.Println("export MAIL_TRANSPORT=gmail")
	fmt.Printf("export GMAIL_REFRESH_TOKEN=%q\n", tok.RefreshToken)
}

// awaitCode serves the redirect URL until Google calls back with a code
func awaitCode(addr, state string, ready func()) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res result
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			res.err = errors.New("state mismatch in callback")
		case q.Get("error") != "":
			http.Error(w, q.Get("error"), http.StatusBadRequest)
			res.err = fmt.Errorf("consent denied: %s", q.Get("error"))
		default:
			fmt.Fprintln(w, "Authorization received. You can close this window.")
			res.code = q.Get("code")
		}
		// only the first callback counts
		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	ready()
	res := <-results
	return res.code, res.err
}
