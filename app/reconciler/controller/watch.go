package controller

import (
	"net/http"
)

func (c *Controller) watcherAvailable(w http.ResponseWriter) bool {
	if c.App.Watcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "watcher disabled"})
		return false
	}
	return true
}

// HandleWatchList lists the watched accounts with their last refresh.
func (c *Controller) HandleWatchList(w http.ResponseWriter, _ *http.Request) {
	if !c.watcherAvailable(w) {
		return
	}
	writeJSON(w, http.StatusOK, c.App.Watcher.List())
}

// HandleWatchAdd starts watching an account.
func (c *Controller) HandleWatchAdd(w http.ResponseWriter, r *http.Request) {
	if !c.watcherAvailable(w) {
		return
	}
	account, err := accountVar(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	status := http.StatusOK
	if c.App.Watcher.Watch(account) {
		status = http.StatusCreated
	}
	st, _ := c.App.Watcher.Get(account)
	writeJSON(w, status, st)
}

// HandleWatchRemove stops watching an account.
func (c *Controller) HandleWatchRemove(w http.ResponseWriter, r *http.Request) {
	if !c.watcherAvailable(w) {
		return
	}
	account, err := accountVar(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if !c.App.Watcher.Unwatch(account) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "account not watched"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
