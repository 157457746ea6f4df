package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/balu-dk/go-ocpi/internal/api/handlers"
	"github.com/balu-dk/go-ocpi/internal/api/middleware"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/service"
)

// API handles the API server
type API struct {
	router  chi.Router
	handler *handlers.Handler
}

// NewAPI creates a new API server
func NewAPI(party *service.Party) *API {
	router := chi.NewRouter()
	handler := handlers.NewHandler(party)
	jsonBody := chimiddleware.AllowContentType("application/json")

	// Setup middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Correlation)
	router.Use(middleware.ContentType)

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   party.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Correlation-ID"},
		ExposedHeaders:   []string{"Link", "Location", "X-Total-Count", "X-Limit", "X-Request-ID", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", handler.Health)

	// OCPI routes, served under our own role only
	router.Route("/ocpi/"+strings.ToLower(string(party.Config.Role)), func(r chi.Router) {
		r.Use(middleware.Authenticate(party.Auth, handlers.SendError))

		r.Get("/versions", handler.GetVersions)

		r.Route("/"+service.Version, func(r chi.Router) {
			r.Get("/", handler.GetVersionDetails)

			r.Route("/credentials", func(r chi.Router) {
				r.Get("/", handler.GetCredentials)
				r.With(jsonBody).Post("/", handler.PostCredentials)
				r.With(jsonBody).Put("/", handler.PutCredentials)
				r.Delete("/", handler.DeleteCredentials)
			})

			r.Route("/commands", func(r chi.Router) {
				r.With(jsonBody).Post("/{command}", handler.ReceiveCommand)
				r.With(jsonBody).Post("/{command}/{id}", handler.CommandResult)
			})

			r.With(jsonBody).Post("/"+string(ocpi.ModuleCDRs), handler.PostCDR)
			r.Post("/"+string(ocpi.ModuleTokens)+"/{country_code}/{party_id}/{id}/authorize", handler.AuthorizeToken)

			// Module records
			r.Get("/{module}", handler.ListRecords)
			r.Get("/{module}/{country_code}/{party_id}/{id}", handler.GetRecord)
			r.With(jsonBody).Put("/{module}/{country_code}/{party_id}/{id}", handler.PutRecord)
		})
	})

	// Operator routes
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireBearer(party.Config.AdminAPIKey))

		r.Route("/tokens", func(r chi.Router) {
			r.Get("/", handler.ListTokens)
			r.Post("/", handler.IssueTokenA)
			r.With(jsonBody).Post("/b", handler.IssueTokenB)
		})
		r.With(jsonBody).Post("/register", handler.Register)

		r.Route("/parties", func(r chi.Router) {
			r.Get("/", handler.ListParties)
			r.Delete("/{country_code}/{party_id}", handler.RevokeParty)
		})

		r.Route("/commands", func(r chi.Router) {
			r.Get("/", handler.ListCommands)
			r.Get("/{id}", handler.GetCommand)
			r.With(jsonBody).Post("/{command}", handler.DispatchCommand)
		})

		r.With(jsonBody).Put("/records/{module}/{country_code}/{party_id}/{id}", handler.PutOwnRecord)

		r.Route("/chargepoints", func(r chi.Router) {
			r.Get("/{id}", handler.GetChargePoint)
			r.With(jsonBody).Put("/{id}/location", handler.AssignLocation)
		})
	})

	return &API{
		router:  router,
		handler: handler,
	}
}

// ServeHTTP satisfies the http.Handler interface
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}
