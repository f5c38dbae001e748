package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/deltagroupbrasil/cryptoinvoice/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса криптоинвойсов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/clients", h.CreateClient)
			r.Get("/clients", h.ListClients)

			r.Post("/invoices", h.CreateInvoice)
			r.Get("/invoices", h.ListInvoices)
			r.Get("/invoices/{number}", h.GetInvoice)
			r.Post("/invoices/{number}/issue", h.IssueInvoice)
			r.Post("/invoices/{number}/cancel", h.CancelInvoice)
			r.Post("/invoices/{number}/verify", h.VerifyPayment)

			r.Get("/polling/log", h.PollingLog)
			r.Get("/stats", h.Stats)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
