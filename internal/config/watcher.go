package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// StartWatcher begins watching the config file for changes, reloading and
// notifying OnChange subscribers. Falls back to polling when fsnotify is
// unavailable.
func (m *Manager) StartWatcher() {
	if m.configPath == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to create file watcher, falling back to polling")
		m.startPollingWatcher()
		return
	}

	if err := watcher.Add(m.configPath); err != nil {
		log.WithError(err).WithField("path", m.configPath).Warn("failed to watch config file, falling back to polling")
		watcher.Close()
		m.startPollingWatcher()
		return
	}

	// Watch the directory too so atomic writes (rename) are caught.
	if err := watcher.Add(filepath.Dir(m.configPath)); err != nil {
		log.WithError(err).WithField("dir", filepath.Dir(m.configPath)).Warn("failed to watch config directory")
	}

	log.WithField("path", m.configPath).Info("config watcher started using fsnotify")

	go func() {
		defer watcher.Close()

		// Debounce so rapid successive writes trigger one reload.
		var debounce *time.Timer
		const debounceDelay = 100 * time.Millisecond

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == m.configPath && (event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create) {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(debounceDelay, m.checkAndReload)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")

			case <-m.stopCh:
				if debounce != nil {
					debounce.Stop()
				}
				return
			}
		}
	}()
}

func (m *Manager) startPollingWatcher() {
	ticker := time.NewTicker(5 * time.Second)
	log.WithField("interval", "5s").Info("config watcher started using polling")

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkAndReload()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) checkAndReload() {
	info, err := os.Stat(m.configPath)
	if err != nil {
		return
	}
	if !info.ModTime().After(m.lastMod) {
		return
	}

	old := m.Get()
	if err := m.load(); err != nil {
		log.WithError(err).WithField("path", m.configPath).Warn("failed to reload config")
		return
	}
	m.mergeEnv()
	updated := m.Get()

	m.emitChange(old, updated)
	m.logChanges(old, updated)
}

func (m *Manager) logChanges(old, new *Config) {
	if old.Debug != new.Debug {
		log.WithFields(log.Fields{"field": "debug", "old": old.Debug, "new": new.Debug}).Info("config changed")
	}
	if old.Chat.ServerURL != new.Chat.ServerURL {
		log.WithFields(log.Fields{"field": "chat.server_url", "old": old.Chat.ServerURL, "new": new.Chat.ServerURL}).Info("config changed")
	}
	if old.Relay.Port != new.Relay.Port {
		log.WithFields(log.Fields{"field": "relay.port", "old": old.Relay.Port, "new": new.Relay.Port}).Info("config changed")
	}
	if old.Player.DisplayName != new.Player.DisplayName {
		log.WithFields(log.Fields{"field": "player.display_name", "old": old.Player.DisplayName, "new": new.Player.DisplayName}).Info("config changed")
	}
}
