package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/offers", func(r chi.Router) {
		r.Post("/", handler.CreateOffer)
		r.Get("/{offerId}", handler.GetOffer)
		r.Post("/{offerId}/pay", handler.PayOffer)
		r.Post("/{offerId}/accept", handler.AcceptOffer)
		r.Post("/{offerId}/reject", handler.RejectOffer)
		r.Post("/{offerId}/cancel", handler.CancelOffer)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", handler.CreateOrder)
		r.Get("/{orderId}", handler.GetOrder)
		r.Post("/{orderId}/pay", handler.PayOrder)
		r.Post("/{orderId}/start", handler.StartWork)
		r.Post("/{orderId}/deliver", handler.Deliver)
		r.Post("/{orderId}/accept-delivery", handler.AcceptDelivery)
		r.Post("/{orderId}/revision", handler.RequestRevision)
		r.Post("/{orderId}/cancel", handler.CancelOrder)
		r.Post("/{orderId}/dispute", handler.OpenDispute)
		r.Get("/{orderId}/timeline", handler.Timeline)
		r.Get("/{orderId}/verify", handler.VerifyTimeline)
	})

	r.Post("/admin/orders/{orderId}/cancel", handler.AdminCancelOrder)

	return &Server{Router: r}
}
