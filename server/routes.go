package server

func (s *Server) initRoutes() {
	// Token issuance allows degraded mode, so auth is optional there; the
	// handler decides based on whether claims made it into the context.
	s.RegisterRouteHandler("POST "+RouteDirectLineToken, ChainMiddleware(s.DirectLineTokenHandler(), append(s.APIMiddleware(), s.OptionalAuth())...))

	s.RegisterRouteHandler("POST "+RouteDirectLineRefresh, ChainMiddleware(s.DirectLineRefreshHandler(), append(s.APIMiddleware(), s.RequireAuth())...))
	s.RegisterRouteHandler("GET "+RouteDirectLineSSO, ChainMiddleware(s.SSOTokenHandler(), append(s.APIMiddleware(), s.RequireAuth())...))
	s.RegisterRouteHandler("GET "+RouteSpeechToken, ChainMiddleware(s.SpeechTokenHandler(), append(s.APIMiddleware(), s.RequireAuth())...))

	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())
}
